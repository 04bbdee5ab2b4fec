package runtime

import (
	"bytes"
	"context"
	"html/template"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/drblury/busflow/internal/runtime/envelope"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
)

// DefaultPanelCapacity bounds the messages a PanelLogger keeps per bus.
const DefaultPanelCapacity = 100

// HandledMessage is one dispatch recorded by a PanelLogger.
type HandledMessage struct {
	MessageName string  `json:"messageName"`
	TimeInMs    float64 `json:"timeInMs"`
	MessageDump string  `json:"messageDump"`
	ResultDump  string  `json:"resultDump"`
}

// PanelLogger records the messages dispatched successfully on one bus.
// Only the most recent entries up to its capacity are kept.
type PanelLogger struct {
	bus      string
	clock    clock.Clock
	capacity int

	mu       sync.Mutex
	messages []HandledMessage
}

// NewPanelLogger returns a recorder for bus. A nil clock uses the wall
// clock, a capacity below one uses DefaultPanelCapacity.
func NewPanelLogger(bus string, clk clock.Clock, capacity int) *PanelLogger {
	if clk == nil {
		clk = clock.New()
	}
	if capacity < 1 {
		capacity = DefaultPanelCapacity
	}
	return &PanelLogger{bus: bus, clock: clk, capacity: capacity}
}

// Bus returns the name of the recorded bus.
func (p *PanelLogger) Bus() string { return p.bus }

// Middleware times the rest of the stack and records the outcome.
// Failed dispatches are not recorded.
func (p *PanelLogger) Middleware() Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			start := p.clock.Now()
			result, err := next(ctx, env)
			if err != nil {
				return result, err
			}
			elapsed := p.clock.Since(start)

			results := envelope.All[envelope.HandledStamp](result)
			dumps := make([]string, 0, len(results))
			for _, stamp := range results {
				dumps = append(dumps, jsoncodec.Dump(stamp.Result))
			}
			p.record(HandledMessage{
				MessageName: shortName(env.Message()),
				TimeInMs:    math.Round(float64(elapsed.Nanoseconds())/1e3) / 1e3,
				MessageDump: jsoncodec.Dump(env.Message()),
				ResultDump:  strings.Join(dumps, "\n"),
			})
			return result, nil
		}
	}
}

func (p *PanelLogger) record(m HandledMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
	if over := len(p.messages) - p.capacity; over > 0 {
		p.messages = append([]HandledMessage(nil), p.messages[over:]...)
	}
}

// HandledMessages returns a copy of the recorded messages, oldest first.
func (p *PanelLogger) HandledMessages() []HandledMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]HandledMessage(nil), p.messages...)
}

// Reset drops every recorded message.
func (p *PanelLogger) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}

func shortName(msg any) string {
	t := reflect.TypeOf(msg)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// Panel summarises the PanelLoggers of every bus that has the panel enabled.
type Panel struct {
	loggers []*PanelLogger
}

// NewPanel returns a panel over loggers, rendered in the given order.
func NewPanel(loggers ...*PanelLogger) *Panel {
	return &Panel{loggers: loggers}
}

// Loggers returns the per-bus recorders.
func (p *Panel) Loggers() []*PanelLogger {
	return p.loggers
}

// Tab returns the message counter, e.g. "3+1 messages". Buses without
// messages are left out.
func (p *Panel) Tab() string {
	var counts []string
	for _, l := range p.loggers {
		if n := len(l.HandledMessages()); n > 0 {
			counts = append(counts, strconv.Itoa(n))
		}
	}
	return strings.Join(counts, "+") + " messages"
}

// BusView is the panel data of one bus.
type BusView struct {
	Bus      string           `json:"bus"`
	Messages []HandledMessage `json:"messages"`
}

// Buses returns the recorded messages grouped by bus.
func (p *Panel) Buses() []BusView {
	views := make([]BusView, 0, len(p.loggers))
	for _, l := range p.loggers {
		messages := l.HandledMessages()
		if messages == nil {
			messages = []HandledMessage{}
		}
		views = append(views, BusView{Bus: l.Bus(), Messages: messages})
	}
	return views
}

var panelTemplate = template.Must(template.New("panel").Parse(`<h1>Messenger</h1>
{{range .}}<div class="busflow-bus">
<h2>{{.Bus}}</h2>
<h3>Handled messages</h3>
{{if .Messages}}<table>
<tr><th>Message</th><th>Time (ms)</th><th>Payload</th><th>Result</th></tr>
{{range .Messages}}<tr><td>{{.MessageName}}</td><td>{{.TimeInMs}}</td><td><pre>{{.MessageDump}}</pre></td><td><pre>{{.ResultDump}}</pre></td></tr>
{{end}}</table>{{else}}<p>No messages</p>{{end}}
</div>
{{end}}`))

// Render returns the panel body as HTML.
func (p *Panel) Render() (string, error) {
	var buf bytes.Buffer
	if err := panelTemplate.Execute(&buf, p.Buses()); err != nil {
		return "", err
	}
	return buf.String(), nil
}
