package logging_test

import (
	"sync"
	"testing"

	"github.com/cookiemonster/cookiemonster/internal/logging"
)

func TestSetLevelConcurrent(t *testing.T) {
	l := logging.New(logging.LevelDebug)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.SetLevel(logging.LevelInfo)
		}()
		go func() {
			defer wg.Done()
			l.Info("tick")
		}()
	}
	wg.Wait()
}

func TestInfowDoesNotPanicOnOddArgs(t *testing.T) {
	l := logging.New(logging.LevelInfo)
	l.Infow("partial fields", "method", "GET", "status")
}
