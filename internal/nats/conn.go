// Package nats is the fleet's cross-process wire: worker heartbeats and
// exits arrive on well-known subjects, the event relay shares bus
// traffic between cores, and an embedded server backs single-binary
// deployments. A single core runs fine without any of it.
package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"
)

// Conn is the fleet's NATS connection. Its surface is deliberately
// narrow: JSON out, raw bytes in, reconnect forever. Anything fancier
// belongs on the subscriber's side of the subject.
type Conn struct {
	nc *nc.Conn
}

// Dial connects to url, reconnecting indefinitely with connection state
// logged under the [NATS] prefix.
func Dial(url string) (*Conn, error) {
	conn, err := nc.Connect(url,
		nc.ReconnectWait(2*time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] Disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Printf("[NATS] Reconnected to %s", conn.ConnectedUrl())
		}),
		nc.ClosedHandler(func(_ *nc.Conn) {
			log.Printf("[NATS] Connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &Conn{nc: conn}, nil
}

// Close closes the connection.
func (c *Conn) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}

// Connected reports whether the connection is currently up.
func (c *Conn) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Flush pushes buffered publishes to the server.
func (c *Conn) Flush() error {
	return c.nc.Flush()
}

// PublishJSON marshals v and publishes it to subject. Every message the
// fleet sends is JSON, so this is the only publish path.
func (c *Conn) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", subject, err)
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handle for subject (wildcards allowed). The
// handler receives the concrete subject so wildcard subscribers can
// recover the worker handle embedded in it.
func (c *Conn) Subscribe(subject string, handle func(subject string, data []byte)) (*nc.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nc.Msg) {
		handle(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}
