// Package ensemble implements the MPI Ensemble Dispatcher (C7): a
// separate multi-process program that packs many serial tasks onto one
// MPI-style rank allocation, pulling pull variant (spec.md §4.7, the
// canonical variant per spec.md §9's Open Question). Rank 0 is the
// master; every other rank is a worker that runs exactly one task's
// command at a time.
//
// Go has no mpi4py equivalent in the retrieved corpus, so the
// isend/irecv/testany rank messaging of the original is expressed as a
// small gob-over-TCP protocol between ranks instead, in the style of
// psampaz-bigslice's exec/bigmachine.go (encoding/gob envelopes over a
// persistent connection, a fixed message-tag set dispatched by a
// switch). mpirun/srun still places the OS processes; this package only
// replaces the inter-rank communicator.
package ensemble

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
)

// Tag mirrors the wire message kinds of spec.md §4.7.
type Tag int

const (
	TagExit Tag = iota
	TagNew
	TagKill
	TagContinue
	TagAsk
	TagDone
	TagError
	// tagHello is a transport handshake, not part of the spec's protocol:
	// a worker's first message announces its rank and hostname so the
	// master can build host_names/host_rank_map without real MPI's
	// collective gather.
	tagHello
)

func (t Tag) String() string {
	switch t {
	case TagExit:
		return "EXIT"
	case TagNew:
		return "NEW"
	case TagKill:
		return "KILL"
	case TagContinue:
		return "CONTINUE"
	case TagAsk:
		return "ASK"
	case TagDone:
		return "DONE"
	case TagError:
		return "ERROR"
	default:
		return "HELLO"
	}
}

// Message is the envelope exchanged between master and worker rank
// connections. Only the fields relevant to Tag are populated.
type Message struct {
	Tag Tag

	// tagHello
	Rank     int
	Hostname string

	// TagNew
	TaskID  string
	Workdir string
	Name    string
	Cmd     string
	Envs    map[string]string

	// TagDone
	ElapsedSeconds float64

	// TagError
	RetCode int
	Tail    string
}

// conn wraps one rank-to-rank connection with a gob encoder/decoder and
// a write mutex, since the master issues sends from multiple call sites
// but a net.Conn is not safe for concurrent writers.
type conn struct {
	c   net.Conn
	enc *gob.Encoder
	dec *gob.Decoder
	mu  sync.Mutex
}

func newConn(c net.Conn) *conn {
	return &conn{
		c:   c,
		enc: gob.NewEncoder(c),
		dec: gob.NewDecoder(bufio.NewReader(c)),
	}
}

func (c *conn) send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(&m); err != nil {
		return fmt.Errorf("ensemble: send %s: %w", m.Tag, err)
	}
	return nil
}

func (c *conn) recv() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (c *conn) Close() error { return c.c.Close() }
