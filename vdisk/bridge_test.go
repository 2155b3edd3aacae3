package vdisk

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBridge(depth int) (*bridge, *test.Hook, *int) {
	logger, hook := test.NewNullLogger()
	exits := new(int)
	logger.ExitFunc = func(int) { *exits++ }
	return newBridge(depth, logrus.NewEntry(logger)), hook, exits
}

func TestBridgeDelivers(t *testing.T) {
	b, _, exits := newTestBridge(2)
	r1, r2 := &Request{id: 1}, &Request{id: 2}
	b.post(r1)
	b.post(r2)

	assert.Same(t, r1, <-b.recv())
	assert.Same(t, r2, <-b.recv())
	assert.Zero(t, *exits)
}

func TestBridgeFullIsFatal(t *testing.T) {
	b, hook, exits := newTestBridge(1)
	b.post(&Request{id: 1})
	b.post(&Request{id: 2})

	assert.Equal(t, 1, *exits)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.FatalLevel, hook.LastEntry().Level)
	assert.Len(t, b.recv(), 1)
}

func TestBridgePostAfterCloseIsFatal(t *testing.T) {
	b, hook, exits := newTestBridge(1)
	b.close()
	b.close()
	b.post(&Request{id: 1})

	assert.Equal(t, 1, *exits)
	assert.Equal(t, logrus.FatalLevel, hook.LastEntry().Level)
}
