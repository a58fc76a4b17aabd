package l6publish

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

func estimate(seq uint64) vaod.StateEstimate {
	est := vaod.StateEstimate{
		Timestamp:       int64(seq) * 1e9,
		Sequence:        seq,
		Attitude:        vaod.QuaternionFromAxisAngle(vaod.Vec3{0, 0, 1}, float64(seq)*0.01),
		AngularVelocity: vaod.Vec3{1e-3, 0, -2e-3},
		Position:        vaod.Vec3{6.9e6, float64(seq), 0},
		Velocity:        vaod.Vec3{0, 7.6e3, 0},
		Mode:            vaod.ModeTracking,
		Valid:           true,
		Authoritative:   true,
	}
	for i := 0; i < vaod.StateDim; i++ {
		est.Covariance[i*vaod.StateDim+i] = float64(i+1) * 1e-6
	}
	return est
}

func TestLatestBeforeAndAfterPublish(t *testing.T) {
	p := NewPublisher()
	_, ok := p.Latest()
	assert.False(t, ok)

	p.Publish(estimate(1))
	p.Publish(estimate(2))
	got, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, estimate(2), got)
	assert.Equal(t, uint64(2), p.Stats().Published)
}

func TestPublishCopiesTheEstimate(t *testing.T) {
	p := NewPublisher()
	est := estimate(1)
	p.Publish(est)
	est.Position[0] = 0
	est.Covariance[0] = 99

	got, _ := p.Latest()
	assert.Equal(t, 6.9e6, got.Position[0])
	assert.Equal(t, 1e-6, got.Covariance[0])
}

func TestSubscriberKeepsNewest(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe()
	defer sub.Close()

	for seq := uint64(1); seq <= 5; seq++ {
		p.Publish(estimate(seq))
	}
	got := <-sub.C()
	assert.Equal(t, uint64(5), got.Sequence)
	assert.Equal(t, uint64(4), p.Stats().Overwritten)

	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected second value %d", extra.Sequence)
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe()
	assert.Equal(t, 1, p.Stats().Subscribers)
	sub.Close()
	sub.Close()
	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, p.Stats().Subscribers)

	// Publishing after every subscriber left is fine.
	p.Publish(estimate(1))
}

func TestPublisherCloseEndsSubscriptions(t *testing.T) {
	p := NewPublisher()
	states := p.Subscribe()
	faults := p.SubscribeFaults()
	p.Close()
	_, open := <-states.C()
	assert.False(t, open)
	_, open = <-faults.C()
	assert.False(t, open)
	states.Close()
}

func TestFaultSignals(t *testing.T) {
	p := NewPublisher()
	_, ok := p.LastFault()
	assert.False(t, ok)

	sub := p.SubscribeFaults()
	defer sub.Close()
	sig := vaod.FaultSignal{ID: "f1", Timestamp: 5, Kind: vaod.FaultHardware, Stage: "capture", Message: "camera gone", SafeMode: true}
	p.PublishFault(sig)

	assert.Equal(t, sig, <-sub.C())
	last, ok := p.LastFault()
	require.True(t, ok)
	assert.Equal(t, sig, last)
	assert.Equal(t, uint64(1), p.Stats().Faults)
}

func TestConcurrentPublishAndRead(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for seq := uint64(1); seq <= 2000; seq++ {
			p.Publish(estimate(seq))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if est, ok := p.Latest(); ok {
				// A torn snapshot would mix fields from two sequences.
				if est.Position[1] != float64(est.Sequence) {
					t.Errorf("torn snapshot: seq %d position %v", est.Sequence, est.Position)
					return
				}
			}
		}
	}()
	wg.Wait()

	last := uint64(0)
	for {
		select {
		case est := <-sub.C():
			assert.Greater(t, est.Sequence, last)
			last = est.Sequence
			continue
		default:
		}
		break
	}
	assert.Equal(t, uint64(2000), last)
}
