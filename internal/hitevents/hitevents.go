// Package hitevents publishes tile serving events to Kafka. Events carry the
// H3 cell of the tile centre so consumers can aggregate demand spatially.
package hitevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/geo"
)

const (
	OutcomeRendered = "rendered"
	OutcomeHit      = "hit"
	OutcomeFallback = "fallback"
)

// DefaultResolution is the H3 resolution used for the tile centre cell.
const DefaultResolution = 8

type Event struct {
	Kind    model.Kind `json:"kind"`
	ID      string     `json:"id"`
	Dataset string     `json:"dataset,omitempty"`
	Key     string     `json:"key"`
	Z       int        `json:"z"`
	X       int        `json:"x"`
	Y       int        `json:"y"`
	Lon     float64    `json:"lon"`
	Lat     float64    `json:"lat"`
	Cell    string     `json:"h3_cell,omitempty"`
	Outcome string     `json:"outcome"`
	TS      time.Time  `json:"ts"`
}

// NewEvent fills the centre and H3 cell for tile c. res <= 0 uses
// DefaultResolution.
func NewEvent(kind model.Kind, id, key string, c model.TileCoord, outcome string, res int) Event {
	if res <= 0 {
		res = DefaultResolution
	}
	lon, lat := geo.TileCenter(c)
	ev := Event{
		Kind: kind, ID: id, Key: key,
		Z: c.Z, X: c.X, Y: c.Y,
		Lon: lon, Lat: lat,
		Outcome: outcome,
		TS:      time.Now().UTC(),
	}
	if cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), res); err == nil {
		ev.Cell = cell.String()
	}
	return ev
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Publish(ev Event)
}

type Nop struct{}

func (Nop) Publish(Event) {}

type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("hitevents: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer wraps an existing producer. The publisher owns it and
// closes it on Close.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log.With("component", "hitevents"),
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("marshal event", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.ID),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish drops the event when the queue is full.
func (p *Publisher) Publish(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("hitevents: close producer: %w", err)
	}
	return nil
}
