package notifier

// TextNotifier 最小文本通知接口,调用方不需要关心具体渠道。
type TextNotifier interface {
	SendText(text string) error
}

// Nop 在未配置通知渠道时使用。
type Nop struct{}

func (Nop) SendText(string) error { return nil }
