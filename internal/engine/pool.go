package engine

import "sync"

// runPool 用固定数量的 worker 消费 [0, total) 的任务下标。
// 每个下标恰好被执行一次；worker 只写自己领到的下标对应的结果槽位，
// 因此 task 内部不需要加锁。
func runPool(workers, total int, task func(index int)) {
	if total <= 0 {
		return
	}
	if workers > total {
		workers = total
	}
	if workers < 1 {
		workers = 1
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				task(i)
			}
		}()
	}
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)
	wg.Wait()
}
