package tlsfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tlsnc/endpoint"
	ncerr "tlsnc/internal/errors"
	"tlsnc/internal/metrics"
	"tlsnc/tlsengine"
	"tlsnc/util"
)

// faultEngine is a handshake-free engine whose wrap and unwrap always
// report the configured statuses.
type faultEngine struct {
	wrap, unwrap tlsengine.Status
	closed       bool
}

var _ tlsengine.Engine = (*faultEngine)(nil)

func (e *faultEngine) BeginHandshake() error { return nil }

func (e *faultEngine) Wrap(dst []byte, srcs ...[]byte) (tlsengine.Result, error) {
	return tlsengine.Result{Status: e.wrap, Handshake: tlsengine.NotHandshaking}, nil
}

func (e *faultEngine) Unwrap(dst, src []byte) (tlsengine.Result, error) {
	return tlsengine.Result{Status: e.unwrap, Handshake: tlsengine.NotHandshaking}, nil
}

func (e *faultEngine) HandshakeStatus() tlsengine.HandshakeStatus { return tlsengine.NotHandshaking }
func (e *faultEngine) DelegatedTask() tlsengine.Task              { return nil }
func (e *faultEngine) CloseInbound() error                        { return nil }
func (e *faultEngine) CloseOutbound()                             {}
func (e *faultEngine) IsInboundDone() bool                        { return false }
func (e *faultEngine) IsOutboundDone() bool                       { return false }
func (e *faultEngine) ClientMode() bool                           { return false }

func (e *faultEngine) SessionSizes() (record, app int) {
	return tlsengine.RecordSize, tlsengine.AppSize
}

func (e *faultEngine) Close() error {
	e.closed = true
	return nil
}

func TestConnection_ProtocolFaults(t *testing.T) {
	tests := []struct {
		name   string
		engine *faultEngine
		op     string
		call   func(*PlaintextEndpoint) error
	}{
		{
			name:   "overflow on unwrap",
			engine: &faultEngine{unwrap: tlsengine.BufferOverflow},
			op:     "unwrap",
			call: func(e *PlaintextEndpoint) error {
				_, err := e.Fill(make([]byte, 64))
				return err
			},
		},
		{
			name:   "underflow on wrap",
			engine: &faultEngine{wrap: tlsengine.BufferUnderflow},
			op:     "wrap",
			call: func(e *PlaintextEndpoint) error {
				_, err := e.Flush([]byte("x"))
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, _ := endpoint.NewPipe(&heldExecutor{}, 0)
			pool := util.NewBufferPool()
			m := metrics.New()
			c := New(tt.engine, transport, Options{Pool: pool, Executor: &heldExecutor{}, Metrics: m})
			require.NoError(t, c.Open())

			err := tt.call(c.Endpoint())
			require.ErrorIs(t, err, ncerr.ErrProtocol)
			var pe *ncerr.ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.op, pe.Op)

			assert.False(t, transport.IsOpen(), "transport left open")
			assert.ErrorIs(t, c.Err(), ncerr.ErrProtocol)
			assert.True(t, tt.engine.closed)
			select {
			case <-c.Done():
			default:
				t.Fatal("Done not closed")
			}
			assert.Zero(t, pool.Stats().Outstanding)
			assert.Equal(t, int64(1), m.HandshakesFailed())
		})
	}
}
