// Package client implements the Worker-side half of the control plane:
// a connection to the Manager's socket, one-shot emitters for every
// Worker→Manager message, and a blocking Recv. Unlike the Server, a
// worker process has nothing else to do while waiting for its next task,
// so a plain blocking net.Conn suffices; no poll multiplexing needed.
package client

import (
	"fmt"
	"net"

	"github.com/il-steffen/kafl.fuzzer/internal/symbolic"
	"github.com/il-steffen/kafl.fuzzer/internal/wire"
)

// Client is the Worker-side control-plane connection. It has no reconnect
// logic: a broken socket is a fatal worker condition.
type Client struct {
	conn net.Conn
}

// Dial connects to the Manager's socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// AnnounceReady emits READY{worker_id}, sent by a fuzz worker on connect
// and again after each BUSY.
func (c *Client) AnnounceReady(workerID int) error {
	return wire.Encode(c.conn, wire.Ready{WorkerID: workerID})
}

// AnnounceSymWait emits SYM_WAIT, sent once by a symbolic worker on
// connect (and again whenever it goes idle).
func (c *Client) AnnounceSymWait() error {
	return wire.Encode(c.conn, wire.SymWait{})
}

// SendNodeDone emits NODE_DONE for a completed RunNode task.
func (c *Client) SendNodeDone(nodeID string, results any, newPayload []byte) error {
	return wire.Encode(c.conn, wire.NodeDone{NodeID: nodeID, Results: results, NewPayload: newPayload})
}

// SendNodeAbort emits NODE_ABORT for a RunNode task abandoned due to a
// VM-fatal condition.
func (c *Client) SendNodeAbort(nodeID string, results any) error {
	return wire.Encode(c.conn, wire.NodeAbort{NodeID: nodeID, Results: results})
}

// SendNewInput emits NEW_INPUT for a freshly discovered coverage-finding
// candidate.
func (c *Client) SendNewInput(input map[string]any) error {
	return wire.Encode(c.conn, wire.NewInput{Input: input})
}

// SendSymNew forwards accumulated symbolic requests from a fuzz worker.
func (c *Client) SendSymNew(requests []symbolic.Request) error {
	return wire.Encode(c.conn, wire.SymNew{Requests: requests})
}

// SendSymResult reports collected symbolic results from a symbolic
// worker.
func (c *Client) SendSymResult(results any) error {
	return wire.Encode(c.conn, wire.SymResult{Results: results})
}

// SendPrint emits a free-form diagnostic line.
func (c *Client) SendPrint(msg string) error {
	return wire.Encode(c.conn, wire.Print{Msg: msg})
}

// Recv blocks until one complete message has been decoded from the
// stream.
func (c *Client) Recv() (wire.Message, error) {
	return wire.Decode(c.conn)
}
