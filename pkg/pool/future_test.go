package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFuture_WaitBlocksUntilDelivered(t *testing.T) {
	f := newFuture[int]()

	done := make(chan struct{})
	go func() {
		v, err := f.Wait()
		assert.NoError(t, err)
		assert.Equal(t, 7, v)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before deliver")
	case <-time.After(10 * time.Millisecond):
	}

	f.deliver(7, nil)
	<-done
}

func TestFuture_DoneChannelClosesOnDelivery(t *testing.T) {
	f := newFuture[string]()
	select {
	case <-f.Done():
		t.Fatal("Done closed before delivery")
	default:
	}

	f.deliver("x", nil)

	select {
	case <-f.Done():
	default:
		t.Fatal("Done did not close after delivery")
	}
}
