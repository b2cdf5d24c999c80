package kafka

import (
	"github.com/IBM/sarama"
)

// SupportEventInterceptor 给出站的审计事件打来源标记
type SupportEventInterceptor struct {
}

func (i *SupportEventInterceptor) OnSend(msg *sarama.ProducerMessage) {
	msg.Headers = append(msg.Headers, sarama.RecordHeader{
		Key:   []byte("source"),
		Value: []byte("support-relay"),
	})
}

func NewSupportEventInterceptor() *SupportEventInterceptor {
	return &SupportEventInterceptor{}
}
