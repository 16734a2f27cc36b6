package helpers

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservableNotifiesInOrder(t *testing.T) {
	o := NewObservable(1)
	var seen []string
	unsubA := o.Subscribe(func(v int) { seen = append(seen, "a") })
	o.Subscribe(func(v int) { seen = append(seen, "b") })

	o.Set(2)
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, 2, o.Get())

	unsubA()
	unsubA()
	seen = nil
	o.Set(3)
	assert.Equal(t, []string{"b"}, seen)
}

func TestObservableUpdateErrorKeepsState(t *testing.T) {
	o := NewObservable("a")
	calls := 0
	o.Subscribe(func(string) { calls++ })

	v, err := o.Update(func(s string) (string, error) { return s + "b", nil })
	require.NoError(t, err)
	assert.Equal(t, "ab", v)

	v, err = o.Update(func(s string) (string, error) { return "", errors.New("nope") })
	require.Error(t, err)
	assert.Equal(t, "ab", v)
	assert.Equal(t, "ab", o.Get())
	assert.Equal(t, 1, calls)
}

func TestObservableListenerMayReadState(t *testing.T) {
	o := NewObservable(0)
	var got int
	o.Subscribe(func(int) { got = o.Get() })
	o.Set(7)
	assert.Equal(t, 7, got)
}
