// Package natsx publishes change events to a NATS subject so other
// systems can react to file changes without polling.
package natsx

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/internal"
)

// Default publisher settings.
const (
	DefaultSubject       = "dirwatch.events"
	DefaultTimeout       = 5 * time.Second
	DefaultReconnectWait = 2 * time.Second
	DefaultMaxReconnects = 60
)

// PublisherOptions configures the NATS connection and target subject.
type PublisherOptions struct {
	URL     string
	Subject string

	Username string
	Password string
	Token    string
	Creds    string

	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
}

// Publisher delivers event batches to a NATS subject, one JSON message
// per event.
type Publisher struct {
	opt PublisherOptions
	nc  *nats.Conn
}

// NewPublisher returns an unconnected publisher with defaults applied.
func NewPublisher(opt PublisherOptions) *Publisher {
	if opt.Subject == "" {
		opt.Subject = DefaultSubject
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.ReconnectWait == 0 {
		opt.ReconnectWait = DefaultReconnectWait
	}
	if opt.MaxReconnects == 0 {
		opt.MaxReconnects = DefaultMaxReconnects
	}
	return &Publisher{opt: opt}
}

// Open establishes the NATS connection.
func (p *Publisher) Open() error {
	opts := []nats.Option{
		nats.Timeout(p.opt.Timeout),
		nats.ReconnectWait(p.opt.ReconnectWait),
		nats.MaxReconnects(p.opt.MaxReconnects),
	}
	switch {
	case p.opt.Creds != "":
		opts = append(opts, nats.UserCredentials(p.opt.Creds))
	case p.opt.Username != "":
		opts = append(opts, nats.UserInfo(p.opt.Username, p.opt.Password))
	case p.opt.Token != "":
		opts = append(opts, nats.Token(p.opt.Token))
	}

	url := p.opt.URL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	p.nc = nc
	return nil
}

// Close flushes buffered messages and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// message is the wire format for one published event.
type message struct {
	Path  string    `json:"path"`
	Flags []string  `json:"flags"`
	Time  time.Time `json:"time"`
}

// Publish sends each event in order. The first failure aborts the
// batch; callers treat publish failures as recoverable.
func (p *Publisher) Publish(events []dirwatch.Event) error {
	now := time.Now().UTC()
	for _, event := range events {
		data, err := json.Marshal(encodeEvent(event, now))
		if err != nil {
			return err
		}
		if err := p.nc.Publish(p.opt.Subject, data); err != nil {
			internal.SinkErrorsCounterVec.WithLabelValues("nats").Inc()
			return fmt.Errorf("publish event %q: %w", event.Path, err)
		}
	}
	internal.SinkEventsCounterVec.WithLabelValues("nats").Add(float64(len(events)))
	return nil
}

func encodeEvent(event dirwatch.Event, now time.Time) message {
	return message{
		Path:  event.Path,
		Flags: flagNames(event.Flags),
		Time:  now,
	}
}

func flagNames(flags dirwatch.EventFlag) []string {
	var names []string
	for _, f := range []dirwatch.EventFlag{dirwatch.Created, dirwatch.Removed, dirwatch.Updated, dirwatch.MovedFrom, dirwatch.MovedTo, dirwatch.Renamed} {
		if flags&f != 0 {
			names = append(names, f.String())
		}
	}
	return names
}
