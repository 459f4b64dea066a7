package tool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/loquax/pkg/types"
)

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	t.Parallel()

	a := Fingerprint("search", `{"query":"go","limit":5}`)
	b := Fingerprint("search", `{"limit":5,"query":"go"}`)
	if a != b {
		t.Error("fingerprints differ for semantically equal arguments")
	}

	c := Fingerprint("search", `{"query":"rust","limit":5}`)
	if a == c {
		t.Error("fingerprints collide for different arguments")
	}

	d := Fingerprint("other", `{"query":"go","limit":5}`)
	if a == d {
		t.Error("fingerprints collide across tool names")
	}
}

func TestFingerprintNestedObjects(t *testing.T) {
	t.Parallel()

	a := Fingerprint("t", `{"outer":{"b":2,"a":1},"list":[1,2]}`)
	b := Fingerprint("t", `{"list":[1,2],"outer":{"a":1,"b":2}}`)
	if a != b {
		t.Error("nested key order changed the fingerprint")
	}

	// Array order is significant.
	c := Fingerprint("t", `{"outer":{"a":1,"b":2},"list":[2,1]}`)
	if a == c {
		t.Error("array order should change the fingerprint")
	}
}

func TestCacheStoreAndLookup(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute)

	fp := Fingerprint("echo", `{"text":"hi"}`)
	c.Store(fp, types.ToolResult{Success: true, Content: "hi"}, 0)

	res, ok := c.Lookup(fp)
	if !ok {
		t.Fatal("Lookup() miss after Store")
	}
	if res.Content != "hi" {
		t.Errorf("Content = %q, want %q", res.Content, "hi")
	}
}

func TestCacheNeverStoresFailures(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute)

	fp := Fingerprint("fail", "{}")
	c.Store(fp, types.ToolResult{Success: false, Content: "nope"}, 0)

	if _, ok := c.Lookup(fp); ok {
		t.Error("failed result was cached")
	}
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute)

	base := time.Now()
	now := base
	var mu sync.Mutex
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	fp := Fingerprint("echo", "{}")
	c.Store(fp, types.ToolResult{Success: true, Content: "x"}, 10*time.Second)

	if _, ok := c.Lookup(fp); !ok {
		t.Fatal("entry missing before expiry")
	}

	mu.Lock()
	now = base.Add(11 * time.Second)
	mu.Unlock()

	if _, ok := c.Lookup(fp); ok {
		t.Error("entry served after expiry")
	}
}

func TestGetOrExecuteNonCacheable(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute)

	def := types.ToolDefinition{Name: "get_time", Cacheable: false}
	var execs atomic.Int32
	exec := func() types.ToolResult {
		execs.Add(1)
		return types.ToolResult{Success: true, Content: "now"}
	}

	for range 3 {
		if _, hit := c.GetOrExecute(def, "{}", exec); hit {
			t.Error("non-cacheable tool reported a cache hit")
		}
	}
	if execs.Load() != 3 {
		t.Errorf("exec ran %d times, want 3", execs.Load())
	}
	if c.Len() != 0 {
		t.Errorf("cache holds %d entries for a non-cacheable tool", c.Len())
	}
}

func TestGetOrExecuteCachesSuccess(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute)

	def := types.ToolDefinition{Name: "search", Cacheable: true}
	var execs atomic.Int32
	exec := func() types.ToolResult {
		execs.Add(1)
		return types.ToolResult{Success: true, Content: "result"}
	}

	if _, hit := c.GetOrExecute(def, `{"q":"go"}`, exec); hit {
		t.Error("first call reported a hit")
	}
	res, hit := c.GetOrExecute(def, `{"q":"go"}`, exec)
	if !hit {
		t.Error("second call missed")
	}
	if res.Content != "result" {
		t.Errorf("Content = %q, want %q", res.Content, "result")
	}
	if execs.Load() != 1 {
		t.Errorf("exec ran %d times, want 1", execs.Load())
	}
}

func TestGetOrExecuteCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute)

	def := types.ToolDefinition{Name: "search", Cacheable: true}

	var execs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	exec := func() types.ToolResult {
		execs.Add(1)
		close(started)
		<-release
		return types.ToolResult{Success: true, Content: "shared"}
	}

	var wg sync.WaitGroup
	results := make([]types.ToolResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.GetOrExecute(def, "{}", exec)
	}()

	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = c.GetOrExecute(def, "{}", func() types.ToolResult {
			execs.Add(1)
			return types.ToolResult{Success: true, Content: "second"}
		})
	}()

	// Give the second caller time to join the in-flight execution.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if execs.Load() != 1 {
		t.Errorf("exec ran %d times, want 1 (coalesced)", execs.Load())
	}
	for i, res := range results {
		if res.Content != "shared" {
			t.Errorf("results[%d].Content = %q, want %q", i, res.Content, "shared")
		}
	}
}
