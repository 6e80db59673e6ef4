package session

import (
	"sync"
	"testing"

	"github.com/shindanlab/keiei-ai/internal/diagnosis"
)

func TestCreateAndGet(t *testing.T) {
	store := NewStore()
	sess := store.Create()
	if sess.Token == "" || len(sess.Token) != 32 {
		t.Fatalf("token = %q, want 32 hex chars", sess.Token)
	}
	if store.Get(sess.Token) != sess {
		t.Fatal("Get did not return created session")
	}
	sess.View(func(st *diagnosis.State) {
		if st.Stage != diagnosis.StageProfile {
			t.Fatalf("new session stage = %d, want %d", st.Stage, diagnosis.StageProfile)
		}
	})
}

func TestGetUnknownToken(t *testing.T) {
	store := NewStore()
	if store.Get("deadbeef") != nil {
		t.Fatal("unknown token should return nil")
	}
}

func TestTokensUnique(t *testing.T) {
	store := NewStore()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok := store.Create().Token
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestDelete(t *testing.T) {
	store := NewStore()
	sess := store.Create()
	store.Delete(sess.Token)
	if store.Get(sess.Token) != nil {
		t.Fatal("deleted session still retrievable")
	}
	store.Delete("missing")
	if store.Len() != 0 {
		t.Fatalf("Len = %d, want 0", store.Len())
	}
}

func TestConcurrentStateAccess(t *testing.T) {
	store := NewStore()
	sess := store.Create()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sess.With(func(st *diagnosis.State) error {
				st.Answers["q_1"] = "回答"
				return nil
			})
		}()
	}
	wg.Wait()
	sess.View(func(st *diagnosis.State) {
		if st.Answers["q_1"] != "回答" {
			t.Fatal("answer lost under concurrency")
		}
	})
}
