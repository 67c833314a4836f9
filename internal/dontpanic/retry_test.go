package dontpanic

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTry(t *testing.T) {
	require.True(t, Try(func() {}))
	require.False(t, Try(func() { panic("bad registry") }))
	require.False(t, Try(func() { panic(errors.New("bad registry")) }))
}

func TestForever(t *testing.T) {
	calls := make(chan struct{}, 10)
	f := NewForever(time.Millisecond)
	f.Go(func() {
		select {
		case calls <- struct{}{}:
		default:
		}
		panic("again")
	})

	<-calls
	<-calls
	f.Cancel()
}
