package router

import "testing"

func TestSelectRoundRobinSkipsUnhealthy(t *testing.T) {
	tbl := NewTable()
	tbl.SetEndpoints(PoolLogic, []string{"a:1", "b:1", "c:1"})
	tbl.MarkHealthy(PoolLogic, "b:1", false)

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		addr, err := tbl.Select(PoolLogic)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		seen[addr]++
	}
	if seen["b:1"] != 0 {
		t.Fatalf("unhealthy endpoint was selected: %v", seen)
	}
	if seen["a:1"] != 3 || seen["c:1"] != 3 {
		t.Fatalf("expected even round robin over healthy endpoints, got %v", seen)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Select(PoolChat); err != ErrNoHealthyEndpoint {
		t.Fatalf("err = %v, want ErrNoHealthyEndpoint", err)
	}
}

func TestSelectAllUnhealthy(t *testing.T) {
	tbl := NewTable()
	tbl.SetEndpoints(PoolChat, []string{"a:1", "b:1"})
	tbl.MarkHealthy(PoolChat, "a:1", false)
	tbl.MarkHealthy(PoolChat, "b:1", false)
	if _, err := tbl.Select(PoolChat); err != ErrNoHealthyEndpoint {
		t.Fatalf("err = %v, want ErrNoHealthyEndpoint", err)
	}
}
