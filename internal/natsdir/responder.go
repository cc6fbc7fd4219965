// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package natsdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/toeirei/keymaster-dsh/core/directory"
	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/internal/logging"
)

// Responder answers queries and stores publications on behalf of a local
// directory backend.
type Responder struct {
	Conn      *nats.Conn
	Prefix    string
	Directory directory.Client
	// Publisher stores incoming publications. Nil rejects them.
	Publisher directory.Publisher

	subs []*nats.Subscription
}

// Start subscribes the responder. Handlers run with ctx until Stop.
func (r *Responder) Start(ctx context.Context) error {
	if r.Conn == nil || r.Directory == nil {
		return errors.New("responder needs a connection and a directory")
	}
	query := QuerySubject(r.Prefix)
	sub, err := r.Conn.QueueSubscribe(query, queueGroup, func(msg *nats.Msg) {
		if err := r.handleQuery(ctx, msg); err != nil {
			logging.Errorf("natsdir: handling query: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %q: %w", query, err)
	}
	r.subs = append(r.subs, sub)

	publish := withPrefix(r.Prefix) + ".publish.>"
	sub, err = r.Conn.QueueSubscribe(publish, queueGroup, func(msg *nats.Msg) {
		if err := r.handlePublish(ctx, msg); err != nil {
			logging.Errorf("natsdir: handling publication: %v", err)
		}
	})
	if err != nil {
		_ = r.Stop()
		return fmt.Errorf("subscribing to %q: %w", publish, err)
	}
	r.subs = append(r.subs, sub)
	return r.Conn.Flush()
}

// Stop drops all subscriptions.
func (r *Responder) Stop() error {
	var errs []error
	for _, s := range r.subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	r.subs = nil
	return errors.Join(errs...)
}

func (r *Responder) handleQuery(ctx context.Context, msg *nats.Msg) error {
	var q directory.Query
	var reply queryReply
	if err := json.Unmarshal(msg.Data, &q); err != nil {
		reply.Error = fmt.Sprintf("malformed query: %v", err)
	} else {
		nodes, err := directory.Find(ctx, r.Directory, q)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Nodes = nodes
		}
		logging.Debugf("natsdir: %s -> %d nodes", q, len(nodes))
	}
	return respond(msg, reply)
}

func (r *Responder) handlePublish(ctx context.Context, msg *nats.Msg) error {
	var reply publishReply
	var p model.Publication
	switch err := json.Unmarshal(msg.Data, &p); {
	case err != nil:
		reply.Error = fmt.Sprintf("malformed publication: %v", err)
	case r.Publisher == nil:
		reply.Error = "publishing is disabled on this responder"
	default:
		if err := r.Publisher.Publish(ctx, p); err != nil {
			reply.Error = err.Error()
		} else {
			logging.Infof("natsdir: stored publication from %s", p.Node)
		}
	}
	if msg.Reply == "" {
		return nil
	}
	return respond(msg, reply)
}

func respond(msg *nats.Msg, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	return msg.Respond(b)
}
