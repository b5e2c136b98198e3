package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treemana/godot/dnswire"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func key(name string) dnswire.Key {
	return dnswire.Key{Name: name, QType: 1, QClass: 1}
}

func TestExpiry(t *testing.T) {
	t.Parallel()
	c := New()
	k := key("\x07example\x03com\x00")
	const ttl = 300 * time.Second

	_, ok := c.Lookup(k)
	require.False(t, ok)

	c.Insert(k, []byte("packet"), ttl, t0)
	e, ok := c.Lookup(k)
	require.True(t, ok)

	tests := []struct {
		name    string
		now     time.Time
		expired bool
	}{
		{"inserted", t0, false},
		{"one before ttl", t0.Add(ttl - time.Second), false},
		{"one nanosecond before ttl", t0.Add(ttl - time.Nanosecond), false},
		{"at ttl", t0.Add(ttl), true},
		{"after ttl", t0.Add(ttl + time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, e.IsExpired(tt.now))
			assert.Equal(t, tt.expired, IsExpired(e, tt.now))
		})
	}

	// expired entries are still returned
	e, ok = c.Lookup(k)
	require.True(t, ok)
	assert.True(t, e.IsExpired(t0.Add(time.Hour)))
}

func TestInsertCopiesAndOverwrites(t *testing.T) {
	t.Parallel()
	c := New()
	k := key("a")

	p := []byte("first")
	c.Insert(k, p, time.Minute, t0)
	p[0] = 'X'
	e, _ := c.Lookup(k)
	assert.Equal(t, []byte("first"), e.Packet)

	c.Insert(k, []byte("second"), time.Second, t0.Add(time.Minute))
	e, _ = c.Lookup(k)
	assert.Equal(t, []byte("second"), e.Packet)
	assert.Equal(t, t0.Add(time.Minute+time.Second), e.ExpiresAt)
	assert.Equal(t, 1, c.Len())

	c.Remove(k)
	assert.Equal(t, 0, c.Len())
}

func TestKeyParts(t *testing.T) {
	t.Parallel()
	c := New()
	base := key("n")
	do := base
	do.DnssecOK = true
	aaaa := base
	aaaa.QType = 28

	c.Insert(base, []byte{1}, time.Minute, t0)
	_, ok := c.Lookup(do)
	assert.False(t, ok)
	_, ok = c.Lookup(aaaa)
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	c := New()
	c.Insert(key("old"), []byte{1}, time.Second, t0)
	c.Insert(key("new"), []byte{2}, time.Hour, t0)

	assert.Equal(t, 1, c.Sweep(t0.Add(time.Minute)))
	_, ok := c.Lookup(key("old"))
	assert.False(t, ok)
	_, ok = c.Lookup(key("new"))
	assert.True(t, ok)
	assert.Equal(t, 0, c.Sweep(t0.Add(time.Minute)))
}

func TestJanitor(t *testing.T) {
	t.Parallel()
	c := New()
	c.Insert(key("gone"), []byte{1}, time.Millisecond, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Janitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// disabled janitor returns immediately
	c.Janitor(context.Background(), 0)
}

// Concurrent writers to distinct keys racing readers of the same keys must
// only ever expose complete values.
func TestConcurrentIntegrity(t *testing.T) {
	t.Parallel()
	const (
		keys    = 64
		writers = 8
		readers = 8
		rounds  = 200
	)
	c := New()

	// every value is one repeated byte, a torn value would mix two bytes
	value := func(k, w, r int) []byte {
		return bytes.Repeat([]byte{byte(k*31 + w*7 + r)}, 64+k)
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for k := 0; k < keys; k++ {
					c.Insert(key(fmt.Sprint(k)), value(k, w, r), time.Minute, t0)
				}
			}
		}(w)
	}

	errs := make(chan error, readers)
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds*keys; i++ {
				k := i % keys
				e, ok := c.Lookup(key(fmt.Sprint(k)))
				if !ok {
					continue
				}
				if len(e.Packet) != 64+k || !bytes.Equal(e.Packet, bytes.Repeat(e.Packet[:1], len(e.Packet))) {
					errs <- fmt.Errorf("torn value for key %d", k)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, keys, c.Len())
}
