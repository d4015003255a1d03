package task

import (
	"context"
	"testing"
)

func TestSerialOrderAndDrain(t *testing.T) {
	s := NewSerial(context.Background(), 16)
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		s.Post(func() { got = append(got, i) })
	}
	s.Close()
	if len(got) != 10 {
		t.Fatalf("任务未全部执行: %v", got)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("执行顺序错误: %v", got)
		}
	}
	// 关闭后投递不阻塞
	s.Post(func() { t.Error("关闭后不应执行") })
}

func TestSerialPostDoesNotBlockOnSlowTask(t *testing.T) {
	s := NewSerial(context.Background(), 1)
	release := make(chan struct{})
	started := make(chan struct{})
	var got []int
	s.Post(func() {
		close(started)
		<-release
	})
	<-started
	// 第一个任务未返回时继续投递，数量远超初始容量
	for i := 0; i < 100; i++ {
		i := i
		s.Post(func() { got = append(got, i) })
	}
	close(release)
	s.Close()
	if len(got) != 100 {
		t.Fatalf("任务未全部执行: %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("执行顺序错误: %v", got)
		}
	}
}
