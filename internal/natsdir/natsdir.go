// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package natsdir carries directory queries and publications over NATS
// request/reply. Client and Publisher are used by nodes; Responder answers
// them from any local directory backend.
package natsdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/toeirei/keymaster-dsh/core/directory"
	"github.com/toeirei/keymaster-dsh/core/model"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "dsh"

// DefaultTimeout bounds a single request when the context has no deadline.
const DefaultTimeout = 10 * time.Second

// queueGroup spreads requests over several responders.
const queueGroup = "keymaster-dsh"

// QuerySubject returns the subject directory queries are sent on.
func QuerySubject(prefix string) string {
	return withPrefix(prefix) + ".query"
}

// PublishSubject returns the subject a node's publication is sent on.
func PublishSubject(prefix, node string) string {
	return withPrefix(prefix) + ".publish." + subjectToken(node)
}

func withPrefix(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// subjectToken replaces characters NATS reserves in subjects. Dots are kept
// so FQDNs read naturally; the responder subscribes with a full wildcard.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// queryReply is the response body to a query.
type queryReply struct {
	Nodes []model.NodeRecord `json:"nodes"`
	Error string             `json:"error,omitempty"`
}

// publishReply acknowledges a publication.
type publishReply struct {
	Error string `json:"error,omitempty"`
}

// Connect dials url with the options every keymaster-dsh connection uses.
func Connect(url string, timeout time.Duration) (*nats.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	nc, err := nats.Connect(url, nats.Name("keymaster-dsh"), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", directory.ErrUnavailable, url, err)
	}
	return nc, nil
}

// Client queries a remote directory over NATS.
type Client struct {
	Conn    *nats.Conn
	Prefix  string
	Timeout time.Duration
}

var (
	_ directory.Client    = (*Client)(nil)
	_ directory.Publisher = (*Client)(nil)
)

// FindMembers implements directory.Client.
func (c *Client) FindMembers(ctx context.Context, group, env string) ([]model.NodeRecord, error) {
	return c.find(ctx, directory.Query{RecordType: directory.Members, Group: group, Environment: env})
}

// FindAdmins implements directory.Client.
func (c *Client) FindAdmins(ctx context.Context, group, env string) ([]model.NodeRecord, error) {
	return c.find(ctx, directory.Query{RecordType: directory.Admins, Group: group, Environment: env})
}

func (c *Client) find(ctx context.Context, q directory.Query) ([]model.NodeRecord, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	data, err := c.request(ctx, QuerySubject(c.Prefix), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	var reply queryReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %v", directory.ErrUnavailable, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", directory.ErrUnavailable, reply.Error)
	}
	if reply.Nodes == nil {
		reply.Nodes = []model.NodeRecord{}
	}
	return reply.Nodes, nil
}

// Publish implements directory.Publisher. It waits for a responder to
// acknowledge storing the publication.
func (c *Client) Publish(ctx context.Context, p model.Publication) error {
	if p.Node == "" {
		return errors.New("publication has no node name")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal publication: %w", err)
	}
	subject := PublishSubject(c.Prefix, p.Node)
	data, err := c.request(ctx, subject, body)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	var reply publishReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("publish %s: decode ack: %w", subject, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("publish %s: %s", subject, reply.Error)
	}
	return nil
}

func (c *Client) request(ctx context.Context, subject string, body []byte) ([]byte, error) {
	if c.Conn == nil {
		return nil, errors.New("no NATS connection")
	}
	if _, ok := ctx.Deadline(); !ok {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg, err := c.Conn.RequestWithContext(ctx, subject, body)
	if err != nil {
		return nil, fmt.Errorf("request %q: %w", subject, err)
	}
	return msg.Data, nil
}
