package engines

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"simple-stm/pkg/config"
	"simple-stm/pkg/txns"
)

func Test_Basic(t *testing.T) {
	engine := newTestEngine(t)

	txn1 := engine.NewFatTxn()
	_ = engine.Put(txn1, "30", "30")

	txn2 := engine.NewFatTxn()
	val, err := engine.Get(txn2, "30")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expect not found, got %v (err=%v)\n", val, err)
	}
	if err := txn2.Commit(); err != nil {
		t.Error(err)
	}
	if err := txn1.Commit(); err != nil {
		t.Error(err)
	}

	txn3 := engine.NewFatTxn()
	val, err = engine.Get(txn3, "30")
	if val != "30" {
		t.Errorf("Expect 30, got %v (err=%v)\n", val, err)
	}
	_ = txn3.Commit()
}

func Test_Basic2(t *testing.T) {
	engine := newTestEngine(t)

	txn1 := engine.NewFatTxn()
	_ = engine.Put(txn1, "30", "30")
	_ = txn1.Commit()

	txn2 := engine.NewFatTxn()
	_ = engine.Put(txn2, "30", "40")

	txn3 := engine.NewFatTxn()
	val, _ := engine.Get(txn3, "30")
	if val != "30" {
		t.Errorf("Expect 30, got %v\n", val)
	}
	_ = txn2.Commit()
	if err := txn3.Commit(); err != nil {
		t.Errorf("Expect read only commit, got %v\n", err)
	}

	txn4 := engine.NewFatTxn()
	val, _ = engine.Get(txn4, "30")
	if val != "40" {
		t.Errorf("Expect 40, got %v\n", val)
	}
	_ = txn4.Commit()
}

func Test_WriteConflict(t *testing.T) {
	engine := newTestEngine(t)

	txn1 := engine.NewFatTxn()
	txn2 := engine.NewFatTxn()
	_ = engine.Put(txn1, "30", "31")
	_ = engine.Put(txn2, "40", "42")
	_ = engine.Put(txn1, "40", "41")
	_ = engine.Put(txn2, "30", "32")

	if err := txn1.Commit(); err != nil {
		t.Fatalf("Expect first committer to win, got %v\n", err)
	}
	if err := txn2.Commit(); !errors.Is(err, txns.ErrReadWriteConflict) {
		t.Fatalf("Expect conflict, got %v\n", err)
	}

	txn := engine.NewFatTxn()
	defer txn.Commit()
	for key, want := range map[string]string{"30": "31", "40": "41"} {
		if val, _ := engine.Get(txn, key); val != want {
			t.Errorf("Expect %s, got %s\n", want, val)
		}
	}
}

func Test_Concurrency(t *testing.T) {
	const scale = 20000
	engine := newTestEngine(t)
	ctx := context.Background()

	done := sync.WaitGroup{}
	done.Add(scale - 1)
	for i := 1; i < scale; i++ {
		go func(i int) {
			defer done.Done()
			key := strconv.Itoa(i)
			err := engine.Atomic(ctx, func(ctx context.Context, txn *txns.Txn) error {
				return engine.Put(txn, key, key)
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	done.Wait()

	txn := engine.NewFatTxn()
	defer txn.Commit()
	for i := 1; i < scale; i++ {
		key := strconv.Itoa(i)
		val, err := engine.Get(txn, key)
		if err != nil {
			t.Fatal(err)
		} else if val != key {
			t.Fatalf("Expect %d, got %s", i, val)
		}
	}
}

func Test_Counter(t *testing.T) {
	const workers, rounds = 8, 200
	engine := newTestEngine(t)
	ctx := context.Background()

	increment := func(ctx context.Context, txn *txns.Txn) error {
		val, err := engine.Get(txn, "counter")
		if errors.Is(err, ErrNotFound) {
			val, err = "0", nil
		}
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		return engine.Put(txn, "counter", strconv.Itoa(n+1))
	}

	done := sync.WaitGroup{}
	done.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer done.Done()
			for i := 0; i < rounds; i++ {
				if err := engine.Atomic(ctx, increment); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	done.Wait()

	var val string
	err := engine.Atomic(ctx, func(ctx context.Context, txn *txns.Txn) (err error) {
		val, err = engine.Get(txn, "counter")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if val != strconv.Itoa(workers*rounds) {
		t.Fatalf("Expect %d, got %s\n", workers*rounds, val)
	}
}

func Test_DirtyWrite(t *testing.T) {
	engine := newTestEngine(t)

	done := &sync.WaitGroup{}
	done.Add(2)

	t1 := NewThread(done).Run()
	t2 := NewThread(done).Run()

	txn1 := engine.NewFatTxn()
	txn2 := engine.NewFatTxn()
	t1.Do(func() bool {
		if err := engine.Put(txn1, "A", "1"); err != nil {
			t.Error(err)
		}
		return false
	})

	t2.Do(func() bool {
		if err := engine.Put(txn2, "A", "2"); err != nil {
			t.Error(err)
		}
		if err := txn2.Commit(); err != nil {
			t.Error(err)
		}
		return true
	})

	t1.Do(func() bool {
		_ = txn1.Abort()
		return true
	})
	done.Wait()

	txn := engine.NewFatTxn()
	defer txn.Commit()
	val, err := engine.Get(txn, "A")
	if err != nil {
		t.Error(err)
	}
	if val != "2" {
		t.Errorf("Expect %s, got %s\n", "2", val)
	}
}

func Test_DirtyRead(t *testing.T) {
	engine := newTestEngine(t)

	done := &sync.WaitGroup{}
	done.Add(2)

	t1 := NewThread(done).Run()
	t2 := NewThread(done).Run()

	txn1 := engine.NewFatTxn()
	txn2 := engine.NewFatTxn()
	t1.Do(func() bool {
		if err := engine.Put(txn1, "A", "1"); err != nil {
			t.Error(err)
		}
		return false
	})

	t2.Do(func() bool {
		val, err := engine.Get(txn2, "A")
		if err == nil {
			t.Errorf("Expect err, but got val=%v", val)
		}
		_ = txn2.Commit()
		return true
	})

	t1.Do(func() bool {
		_ = txn1.Abort()
		return true
	})
	done.Wait()
}

func Test_LostUpdate(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.NewFatTxn()
	_ = engine.Put(txn, "A", "Null")
	_ = txn.Commit()

	done := &sync.WaitGroup{}
	done.Add(2)

	t1 := NewThread(done).Run()
	t2 := NewThread(done).Run()

	txn1 := engine.NewFatTxn()
	txn2 := engine.NewFatTxn()
	var tmp string
	t1.Do(func() bool {
		var err error
		tmp, err = engine.Get(txn1, "A")
		if err != nil {
			t.Error(err)
		}
		return false
	})

	t2.Do(func() bool {
		val, err := engine.Get(txn2, "A")
		if err != nil {
			t.Error(err)
		}
		if err = engine.Put(txn2, "A", val+":t2"); err != nil {
			t.Error(err)
		}
		if err = txn2.Commit(); err != nil {
			t.Error(err)
		}
		return true
	})

	t1.Do(func() bool {
		if err := engine.Put(txn1, "A", tmp+":t1"); err != nil {
			t.Error(err)
		}
		if err := txn1.Commit(); !errors.Is(err, txns.ErrReadWriteConflict) {
			t.Errorf("Expect conflict, got %v", err)
		}
		return true
	})
	done.Wait()

	txn = engine.NewFatTxn()
	defer txn.Commit()
	val, err := engine.Get(txn, "A")
	if err != nil {
		t.Error(err)
	}
	if val != "Null:t2" {
		t.Fatalf("Expect Null:t2, got %s\n", val)
	}
}

func Test_NonrepeatableRead(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.NewFatTxn()
	_ = engine.Put(txn, "A", "Null")
	_ = txn.Commit()

	done := &sync.WaitGroup{}
	done.Add(2)

	t1 := NewThread(done).Run()
	t2 := NewThread(done).Run()

	txn1 := engine.NewFatTxn()
	txn2 := engine.NewFatTxn()
	t1.Do(func() bool {
		val, err := engine.Get(txn1, "A")
		if err != nil {
			t.Error(err)
		}
		if val != "Null" {
			t.Errorf("Expect %v, got %s\n", "Null", val)
		}
		return false
	})

	t2.Do(func() bool {
		if err := engine.Put(txn2, "A", "txn2"); err != nil {
			t.Error(err)
		}
		_ = txn2.Commit()
		return true
	})

	t1.Do(func() bool {
		val, err := engine.Get(txn1, "A")
		if err != nil {
			t.Error(err)
		}
		if val != "Null" {
			t.Errorf("Expect %v, got %s\n", "Null", val)
		}
		if err := txn1.Commit(); err != nil {
			t.Error(err)
		}
		return true
	})
	done.Wait()

	txn = engine.NewFatTxn()
	defer txn.Commit()
	val, _ := engine.Get(txn, "A")
	if val != "txn2" {
		t.Fatalf("Expect txn2, got %s\n", val)
	}
}

func Test_ReadSkew(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.NewFatTxn()
	_ = engine.Put(txn, "A", "5")
	_ = engine.Put(txn, "B", "5")
	_ = txn.Commit()

	done := &sync.WaitGroup{}
	done.Add(2)

	t1 := NewThread(done).Run()
	t2 := NewThread(done).Run()

	txn1 := engine.NewFatTxn()
	txn2 := engine.NewFatTxn()
	t1.Do(func() bool {
		val, err := engine.Get(txn1, "A")
		if err != nil {
			t.Error(err)
		}
		if val != "5" {
			t.Errorf("Expect %v, got %s\n", "5", val)
		}
		return false
	})

	t2.Do(func() bool {
		if err := engine.Put(txn2, "A", "0"); err != nil {
			t.Error(err)
		}
		if err := engine.Put(txn2, "B", "10"); err != nil {
			t.Error(err)
		}
		_ = txn2.Commit()
		return true
	})

	// B changed together with A: reading it now would mix two snapshots
	t1.Do(func() bool {
		val, err := engine.Get(txn1, "B")
		if !errors.Is(err, txns.ErrReadWriteConflict) {
			t.Errorf("Expect conflict, got %v (val=%s)\n", err, val)
		}
		if txn1.State() != txns.Aborted {
			t.Errorf("Expect aborted, got %s\n", txn1.State())
		}
		return true
	})
	done.Wait()

	txn = engine.NewFatTxn()
	defer txn.Commit()
	A, _ := engine.Get(txn, "A")
	if A != "0" {
		t.Fatalf("Expect 0, got %s\n", A)
	}

	B, _ := engine.Get(txn, "B")
	if B != "10" {
		t.Fatalf("Expect 10, got %s\n", B)
	}
}

func Test_DelAndScan(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	keys := []string{"a", "b", "c", "d", "e", "f"}
	err := engine.Atomic(ctx, func(ctx context.Context, txn *txns.Txn) error {
		for _, k := range keys {
			if err := engine.Put(txn, k, "v"+k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// index order is hash order
	sort.Slice(keys, func(i, j int) bool { return hash(keys[i]) < hash(keys[j]) })
	first := keys[0]

	var res []string
	err = engine.Atomic(ctx, func(ctx context.Context, txn *txns.Txn) error {
		if err := engine.Del(txn, keys[1]); err != nil {
			return err
		}
		if err := engine.Del(txn, "missing"); err != nil {
			return err
		}
		var err error
		res, err = engine.Scan(txn, first, 100)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	var want []string
	for i, k := range keys {
		if i != 1 {
			want = append(want, "v"+k)
		}
	}
	if len(res) != len(want) {
		t.Fatalf("Expect %v, got %v\n", want, res)
	}
	for i := range want {
		if res[i] != want[i] {
			t.Fatalf("Expect %v, got %v\n", want, res)
		}
	}

	err = engine.Atomic(ctx, func(ctx context.Context, txn *txns.Txn) error {
		var err error
		res, err = engine.Scan(txn, first, 2)
		if err != nil {
			return err
		}
		_, err = engine.Get(txn, keys[1])
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expect deleted key missing, got %v\n", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || res[0] != want[0] || res[1] != want[1] {
		t.Fatalf("Expect %v, got %v\n", want[:2], res)
	}
}

func Test_Await(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- engine.Atomic(ctx, func(ctx context.Context, txn *txns.Txn) error {
			return engine.Await(txn, "flag", "up")
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ref, ok := engine.Index.Get(hash("flag"))
		if ok && ref.Orec().HasListeners() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expect awaiting transaction to block\n")
		}
		time.Sleep(time.Millisecond)
	}

	err := engine.Atomic(ctx, func(ctx context.Context, txn *txns.Txn) error {
		return engine.Put(txn, "flag", "up")
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expect awaiting transaction to wake up\n")
	}
}

func Test_InvalidConfig(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.MaxFixedLengthTxnSize = 0
	if _, err := NewStringEngine(cfg, nil); err == nil {
		t.Fatal("Expect invalid config to be rejected\n")
	}
}
