/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package thread

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupReportsOnlyFailures(t *testing.T) {
	g := NewGroup()
	g.SetLimit(3)

	var failed []Result
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for res := range g.ResultC {
			failed = append(failed, res)
		}
	}()

	for i := 0; i < 10; i++ {
		g.Go(i, func(job interface{}) error {
			if job.(int)%2 == 0 {
				return fmt.Errorf("task %d boom", job.(int))
			}
			return nil
		})
	}
	g.Wait()
	<-collected

	if len(failed) != 5 {
		t.Fatalf("failed results = %d, want 5", len(failed))
	}
	for _, res := range failed {
		if res.Task.(int)%2 != 0 {
			t.Errorf("successful task [%v] reported as failed", res.Task)
		}
		if res.Error == nil {
			t.Errorf("failed task [%v] carries no error", res.Task)
		}
	}
}

func TestGroupLimitBoundsConcurrency(t *testing.T) {
	g := NewGroup()
	g.SetLimit(2)

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for range g.ResultC {
		}
	}()

	var active, peak int64
	for i := 0; i < 8; i++ {
		g.Go(i, func(job interface{}) error {
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil
		})
	}
	g.Wait()
	<-collected

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("peak active goroutines = %d, want at most 2", got)
	}
}
