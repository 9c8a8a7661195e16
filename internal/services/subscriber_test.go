package services

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// 关停顺序依赖 Wait 在 Run 退出后才返回，否则在途事件可能
// 打到已关闭的管线通道上
func TestSubscriber_WaitJoinsRun(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer rdb.Close()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := NewSubscriber(rdb, nil, nil, nil, nil, nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait must not return before Run exits")
	}
}
