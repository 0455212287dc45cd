package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaoxuxiansheng/memlsm"
	"github.com/xiaoxuxiansheng/memlsm/batch"
	"github.com/xiaoxuxiansheng/memlsm/memtable"
)

func main() {
	var (
		configPath = flag.String("config", "memlsm.yaml", "path of the yaml config file")
		writes     = flag.Int("writes", 200000, "number of records to write")
		batchSize  = flag.Int("batch", 16, "records per write batch")
		readers    = flag.Int("readers", 4, "number of concurrent readers")
	)
	flag.Parse()

	if err := run(*configPath, *writes, *batchSize, *readers); err != nil {
		slog.Error("benchmark failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, writes, batchSize, readers int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := memlsm.LoadConfig(configPath, memlsm.WithMergeOperator(memtable.NewStringAppendOperator(",")))
	if err != nil {
		return err
	}
	slog.SetDefault(conf.Logger)

	store := memlsm.NewStore(conf)
	defer store.Close()

	var (
		written  atomic.Int64
		reads    atomic.Int64
		hits     atomic.Int64
		flushed  atomic.Int64
		start    = time.Now()
		g, gctx  = errgroup.WithContext(ctx)
		doneC    = make(chan struct{})
		fileNext uint64
	)

	// flush 协程：没有持久化层，直接完成 flush 并释放 memtable
	g.Go(func() error {
		for {
			select {
			case mem := <-store.FlushC():
				fileNext++
				if err := store.CompleteFlush(mem, fileNext); err != nil {
					return err
				}
				flushed.Add(1)
			case <-doneC:
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})

	// 唯一的写者
	g.Go(func() error {
		defer close(doneC)
		b := batch.New()
		for i := 0; i < writes; i++ {
			if gctx.Err() != nil {
				return nil
			}
			key := fmt.Sprintf("key-%08d", i%(writes/2+1))
			if i%10 == 9 {
				b.Merge([]byte(key), []byte(fmt.Sprintf("%d", i)))
			} else {
				b.Put([]byte(key), []byte(fmt.Sprintf("value-%d", i)))
			}
			if int(b.Count()) < batchSize && i != writes-1 {
				continue
			}
			if err := store.Write(b); err != nil {
				return err
			}
			written.Add(int64(b.Count()))
			b.Clear()
		}
		return nil
	})

	// 并发读者，与写者无锁并发读取 memtable
	for r := 0; r < readers; r++ {
		g.Go(func() error {
			for i := r; ; i += readers {
				select {
				case <-doneC:
					return nil
				case <-gctx.Done():
					return nil
				default:
				}
				key := fmt.Sprintf("key-%08d", i%(writes/2+1))
				_, ok, err := store.Get([]byte(key))
				if err != nil {
					return err
				}
				reads.Add(1)
				if ok {
					hits.Add(1)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	slog.Info("benchmark finished",
		slog.Int64("written", written.Load()),
		slog.Int64("reads", reads.Load()),
		slog.Int64("hits", hits.Load()),
		slog.Int64("flushed_memtables", flushed.Load()),
		slog.Int("pending_memtables", store.NumImmutable()),
		slog.Int64("memory_usage", store.ApproximateMemoryUsage()),
		slog.Uint64("last_sequence", store.LastSequence()),
		slog.Duration("elapsed", elapsed),
		slog.Float64("writes_per_sec", float64(written.Load())/elapsed.Seconds()),
	)
	return nil
}
