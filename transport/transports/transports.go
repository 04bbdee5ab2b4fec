// Package transports imports every built-in transport so that its DSN
// schemes are registered with the default registry.
package transports

import (
	_ "github.com/drblury/busflow/transport/file"
	_ "github.com/drblury/busflow/transport/http"
	_ "github.com/drblury/busflow/transport/jetstream"
	_ "github.com/drblury/busflow/transport/kafka"
	_ "github.com/drblury/busflow/transport/memory"
	_ "github.com/drblury/busflow/transport/nats"
	_ "github.com/drblury/busflow/transport/rabbitmq"
	_ "github.com/drblury/busflow/transport/sns"
	_ "github.com/drblury/busflow/transport/sqlqueue"
)

// Schemes lists the schemes the built-in transports register.
var Schemes = []string{
	"amqp", "amqps",
	"file",
	"http", "https",
	"in-memory",
	"kafka",
	"mysql",
	"nats", "nats-jetstream",
	"postgres", "postgresql",
	"sns",
	"sqlite", "sqlite3",
}
