package store

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	ks := New()

	ks.Set("hello", "world")
	v, ok, err := ks.Get("hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "world", v)

	_, ok, err = ks.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTypeExclusivity(t *testing.T) {
	ks := New()

	t.Run("get against a list is a type mismatch", func(t *testing.T) {
		_, err := ks.RPush("l", "a")
		require.NoError(t, err)
		_, _, err = ks.Get("l")
		assert.ErrorIs(t, err, ErrWrongType)
	})

	t.Run("push against a string is a type mismatch", func(t *testing.T) {
		ks.Set("s", "v")
		_, err := ks.LPush("s", "a")
		assert.ErrorIs(t, err, ErrWrongType)
		_, err = ks.RPush("s", "a")
		assert.ErrorIs(t, err, ErrWrongType)
	})

	t.Run("set over an existing list erases the list", func(t *testing.T) {
		_, err := ks.RPush("k", "a", "b")
		require.NoError(t, err)
		ks.Set("k", "v")

		v, ok, err := ks.Get("k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", v)

		// no list left behind
		elems, err := ks.LRange("k", 0, -1)
		assert.ErrorIs(t, err, ErrWrongType)
		assert.Nil(t, elems)
	})
}

func TestExistsCountsDuplicates(t *testing.T) {
	ks := New()
	ks.Set("a", "1")
	_, err := ks.RPush("l", "x")
	require.NoError(t, err)

	assert.Equal(t, int64(3), ks.Exists("a", "a", "l", "missing"))
}

func TestDelCountsOnlyExisting(t *testing.T) {
	ks := New()
	ks.Set("a", "1")
	_, err := ks.RPush("l", "x")
	require.NoError(t, err)

	assert.Equal(t, int64(2), ks.Del("a", "l", "missing"))
	assert.Equal(t, int64(0), ks.Exists("a", "l"))
}

func TestIncrDecr(t *testing.T) {
	ks := New()

	t.Run("missing key initialises to 1", func(t *testing.T) {
		n, err := ks.Incr("counter")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("missing key decrements to -1", func(t *testing.T) {
		n, err := ks.Decr("downward")
		require.NoError(t, err)
		assert.Equal(t, int64(-1), n)
	})

	t.Run("incr on -1 yields 0", func(t *testing.T) {
		ks.Set("neg", "-1")
		n, err := ks.Incr("neg")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("non-numeric value", func(t *testing.T) {
		ks.Set("word", "abc")
		_, err := ks.Incr("word")
		assert.ErrorIs(t, err, ErrNotInteger)
	})

	t.Run("list key", func(t *testing.T) {
		_, err := ks.RPush("l", "x")
		require.NoError(t, err)
		_, err = ks.Incr("l")
		assert.ErrorIs(t, err, ErrWrongType)
	})

	t.Run("stored back as decimal text", func(t *testing.T) {
		ks.Set("n", "41")
		_, err := ks.Incr("n")
		require.NoError(t, err)
		v, _, err := ks.Get("n")
		require.NoError(t, err)
		assert.Equal(t, "42", v)
	})
}

func TestPushOrdering(t *testing.T) {
	ks := New()

	n, err := ks.RPush("l", "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// LPUSH prepends each value in argument order, so the final order is
	// reversed relative to the argument list.
	n, err = ks.LPush("l", "x", "y")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	elems, err := ks.LRange("l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x", "a", "b", "c"}, elems)
}

func TestLRange(t *testing.T) {
	ks := New()
	_, err := ks.RPush("l", "a", "b", "c", "d", "e")
	require.NoError(t, err)

	tests := []struct {
		name        string
		start, stop int64
		expected    []string
	}{
		{"whole list", 0, -1, []string{"a", "b", "c", "d", "e"}},
		{"last element", -1, -1, []string{"e"}},
		{"middle", 1, 3, []string{"b", "c", "d"}},
		{"stop clamped", 2, 100, []string{"c", "d", "e"}},
		{"start clamped", -100, 1, []string{"a", "b"}},
		{"inverted range", 3, 1, nil},
		{"negative pair", -3, -2, []string{"c", "d"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			elems, err := ks.LRange("l", test.start, test.stop)
			require.NoError(t, err)
			assert.Equal(t, test.expected, elems)
		})
	}

	t.Run("missing key is the empty range", func(t *testing.T) {
		elems, err := ks.LRange("nothing", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, elems)
	})
}

func TestSizeOf(t *testing.T) {
	ks := New()
	ks.Set("s", "hello")
	_, err := ks.RPush("l", "a", "b")
	require.NoError(t, err)

	assert.Equal(t, int64(5), ks.SizeOf("s"))
	assert.Equal(t, int64(2), ks.SizeOf("l"))
	assert.Equal(t, int64(0), ks.SizeOf("missing"))
}

func TestExpiration(t *testing.T) {
	ks := New()
	var now int64 = 1_000_000
	ks.now = func() int64 { return now }

	ks.Set("k", "v")
	assert.True(t, ks.ExpireAt("k", now+500))

	_, ok, err := ks.Get("k")
	require.NoError(t, err)
	assert.True(t, ok, "not yet due")

	now += 501
	_, ok, err = ks.Get("k")
	require.NoError(t, err)
	assert.False(t, ok, "expired keys read as missing")
	assert.Equal(t, int64(0), ks.Exists("k"))

	t.Run("expiration on a missing key is refused", func(t *testing.T) {
		assert.False(t, ks.ExpireAt("ghost", now+100))
	})

	t.Run("persist clears the deadline", func(t *testing.T) {
		ks.Set("p", "v")
		assert.True(t, ks.ExpireAt("p", now+100))
		assert.True(t, ks.Persist("p"))

		now += 200
		_, ok, err := ks.Get("p")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("set clears a previous deadline", func(t *testing.T) {
		ks.Set("r", "v")
		assert.True(t, ks.ExpireAt("r", now+100))
		ks.Set("r", "v2")

		now += 200
		v, ok, err := ks.Get("r")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v2", v)
	})
}

// hammer both tables from many goroutines; the race detector and the type
// exclusivity check do the judging.
func TestConcurrentAccess(t *testing.T) {
	ks := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k" + strconv.Itoa(i%4)
			for j := 0; j < 100; j++ {
				switch j % 4 {
				case 0:
					ks.Set(key, strconv.Itoa(j))
				case 1:
					_, _, _ = ks.Get(key)
				case 2:
					_, _ = ks.RPush("list:"+key, "x")
				case 3:
					ks.Del("list:" + key)
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		key := "k" + strconv.Itoa(i)
		if _, ok, err := ks.Get(key); err == nil && ok {
			// a string key must not coexist as a list
			_, err := ks.LPush(key, "x")
			assert.ErrorIs(t, err, ErrWrongType)
		}
	}
}
