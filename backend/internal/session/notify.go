package session

import "log"

// Notifier 把连接事件翻译成用户可见的提示。
// UI 层（toolbar/聊天）注入自己的实现；默认实现只打日志。
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
}

type LogNotifier struct{}

func (LogNotifier) Info(msg string)    { log.Printf("[session] %s", msg) }
func (LogNotifier) Success(msg string) { log.Printf("[session] %s", msg) }
func (LogNotifier) Error(msg string)   { log.Printf("[session] error: %s", msg) }
