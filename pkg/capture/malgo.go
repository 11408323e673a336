package capture

import (
	"context"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/OmarNassar1127/realtime-voice-rag/pkg/audio"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/core"
)

// MicSource captures S16 samples from the default input device via malgo.
// The device callback appends raw bytes to an internal buffer; ReadBlock
// drains it in fixed-size blocks, converting to normalized floats.
type MicSource struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	codec    *audio.Codec

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

// NewMicSource opens the default capture device at the given format.
// Returns a device error when no input device or permission exists; the
// caller is expected to fall back to the text path on that failure.
func NewMicSource(sampleRateHz, channels int) (*MicSource, error) {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return nil, core.NewDeviceError("init audio context", err)
	}

	m := &MicSource{
		malgoCtx: malgoCtx,
		codec:    audio.NewCodec(audio.CodecConfig{}),
		buf:      make([]byte, 0, sampleRateHz*2),
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRateHz)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.mu.Lock()
			if !m.closed {
				m.buf = append(m.buf, pInputSamples...)
			}
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		malgoCtx.Uninit()
		return nil, core.NewDeviceError("init microphone", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		malgoCtx.Uninit()
		return nil, core.NewDeviceError("start microphone", err)
	}
	m.device = device

	return m, nil
}

// ReadBlock fills dst with the next len(dst) samples, blocking until the
// device has produced enough. A cancelled ctx unblocks the wait.
func (m *MicSource) ReadBlock(ctx context.Context, dst []float32) error {
	need := len(dst) * 2

	// The cond has no ctx awareness; a watcher broadcasts on cancellation
	// so the wait below wakes up.
	stop := context.AfterFunc(ctx, func() { m.cond.Broadcast() })
	defer stop()

	m.mu.Lock()
	for len(m.buf) < need && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.closed {
		m.mu.Unlock()
		return core.NewDeviceError("microphone closed", nil)
	}
	raw := make([]byte, need)
	copy(raw, m.buf[:need])
	m.buf = m.buf[need:]
	m.mu.Unlock()

	copy(dst, m.codec.Decode(raw))
	return nil
}

// Close stops and releases the capture device. Idempotent.
func (m *MicSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()

	if m.device != nil {
		m.device.Stop()
		m.device.Uninit()
	}
	if m.malgoCtx != nil {
		m.malgoCtx.Uninit()
	}
	return nil
}
