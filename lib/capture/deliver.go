// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bureau-foundation/capture/lib/compress"
	"github.com/bureau-foundation/capture/lib/event"
	"github.com/bureau-foundation/capture/lib/queue"
	"github.com/bureau-foundation/capture/lib/transport"
)

// BatchBody is the JSON body of a send carrying more than one event.
type BatchBody struct {
	APIKey string         `json:"api_key"`
	Data   []event.Record `json:"data"`
	SentAt time.Time      `json:"sent_at"`
}

// EventBody is the JSON body of a single-event send: data holds the
// one record rather than a list.
type EventBody struct {
	APIKey string       `json:"api_key"`
	Data   event.Record `json:"data"`
	SentAt time.Time    `json:"sent_at"`
}

// errRejected marks a batch that cannot be encoded and so can never
// be delivered.
var errRejected = errors.New("capture: batch cannot be sent")

// encodeBody builds the uncompressed body of batch and the encodings
// it may use.
func encodeBody(token string, batch queue.Batch, sentAt time.Time, advertised []compress.Encoding) ([]byte, []compress.Encoding, error) {
	if len(batch.Events) == 1 {
		body, err := json.Marshal(EventBody{APIKey: token, Data: batch.Events[0], SentAt: sentAt})
		if err != nil {
			return nil, nil, fmt.Errorf("capture: encoding event: %w", err)
		}
		// Single events are sent base64 or plain, never binary.
		if slices.Contains(advertised, compress.Base64) {
			return body, []compress.Encoding{compress.Base64}, nil
		}
		return body, nil, nil
	}
	body, err := json.Marshal(BatchBody{APIKey: token, Data: batch.Events, SentAt: sentAt})
	if err != nil {
		return nil, nil, fmt.Errorf("capture: encoding batch: %w", err)
	}
	return body, advertised, nil
}

// deliver is the queue.DeliverFunc of both the request queue and the
// retry queue. Every non-2xx status and transport failure is returned
// for retry; batches that cannot be encoded are logged, counted, and
// reported as handled.
func (p *Pipeline) deliver(batch queue.Batch, strategy transport.Strategy) error {
	err := p.send(batch, strategy)
	if errors.Is(err, errRejected) {
		p.logger.Error("dropping batch that cannot be sent",
			"batch_key", batch.BatchKey,
			"url", batch.URL,
			"events", len(batch.Events),
			"error", err,
		)
		p.stats.discard(DiscardSendError, len(batch.Events))
		return nil
	}
	return err
}

func (p *Pipeline) send(batch queue.Batch, strategy transport.Strategy) error {
	remote := p.RemoteConfig()
	body, encodings, err := encodeBody(p.token, batch, p.clock.Now().UTC(), remote.SupportedCompression)
	if err != nil {
		return fmt.Errorf("%w: %w", errRejected, err)
	}
	encoded := p.compressor.Encode(body, encodings)

	if strategy == transport.Buffered {
		strategy = p.strategy
	}
	response := p.sender.Send(p.ctx, &transport.Request{
		URL:             batch.URL,
		Body:            encoded.Body,
		Encoding:        encoded.Encoding,
		Strategy:        strategy,
		WithCredentials: p.withCredentials,
	})
	if response.OK() {
		p.stats.deliver(len(batch.Events))
		return nil
	}

	if response.Err != nil {
		return response.Err
	}
	return &transport.StatusError{StatusCode: response.StatusCode, Body: response.Text}
}

// Payload is a decoded request body.
type Payload struct {
	APIKey  string
	SentAt  time.Time
	Events  []event.Record
	Batched bool
}

// DecodeBody parses a request body produced by the pipeline, in
// either shape and any encoding. Collectors and tests use it.
func DecodeBody(body []byte, encoding compress.Encoding) (Payload, error) {
	decoded, err := compress.Decode(body, encoding)
	if err != nil {
		return Payload{}, err
	}
	var envelope struct {
		APIKey string          `json:"api_key"`
		Data   json.RawMessage `json:"data"`
		SentAt time.Time       `json:"sent_at"`
	}
	if err := json.Unmarshal(decoded, &envelope); err != nil {
		return Payload{}, fmt.Errorf("capture: body is not a JSON object: %w", err)
	}
	payload := Payload{APIKey: envelope.APIKey, SentAt: envelope.SentAt}
	data := bytes.TrimLeft(envelope.Data, " \t\r\n")
	switch {
	case len(data) == 0:
		return Payload{}, fmt.Errorf("capture: body has no data")
	case data[0] == '[':
		if err := json.Unmarshal(data, &payload.Events); err != nil {
			return Payload{}, fmt.Errorf("capture: decoding batch data: %w", err)
		}
		payload.Batched = true
	case data[0] == '{':
		var record event.Record
		if err := json.Unmarshal(data, &record); err != nil {
			return Payload{}, fmt.Errorf("capture: decoding event data: %w", err)
		}
		payload.Events = []event.Record{record}
	default:
		return Payload{}, fmt.Errorf("capture: data is neither an event nor a list of events")
	}
	for i, record := range payload.Events {
		if record.Event == "" {
			return Payload{}, fmt.Errorf("capture: event %d has no event name", i)
		}
	}
	return payload, nil
}
