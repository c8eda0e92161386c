// Package null implements a blob.Store that discards everything it is
// given — used when a subinode manager or payment voter is run without
// durable state (tests, or a deliberately stateless regtest node), so it
// always resyncs from the network as requires for "no file".
package null

import (
	"context"
	"fmt"

	"github.com/ordishs/go-utils"
)

type Null struct {
	logger utils.Logger
}

func New(logger utils.Logger) (*Null, error) {
	return &Null{logger: logger.New("null")}, nil
}

func (n *Null) Close(_ context.Context) error {
	return nil
}

func (n *Null) Set(_ context.Context, _ []byte, _ []byte) error {
	return nil
}

func (n *Null) Get(_ context.Context, key []byte) ([]byte, error) {
	return nil, fmt.Errorf("no such key: %x", key)
}

func (n *Null) Exists(_ context.Context, _ []byte) (bool, error) {
	return false, nil
}

func (n *Null) Del(_ context.Context, _ []byte) error {
	return nil
}
