package deadletter

import (
	"context"
	"fmt"
	"sync"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
)

type RocketMQSettings struct {
	NameServer string
	Group      string
	Topic      string
	Tag        string
	AccessKey  string
	SecretKey  string
}

func (s RocketMQSettings) validate() error {
	if s.NameServer == "" {
		return fmt.Errorf("rocketmq: missing name-server")
	}
	if s.Group == "" {
		return fmt.Errorf("rocketmq: missing producer group")
	}
	if s.Topic == "" {
		return fmt.Errorf("rocketmq: missing topic")
	}
	return nil
}

// RocketMQProducer starts its underlying producer on first Publish, so a
// broker that is down at boot does not keep the client from starting.
type RocketMQProducer struct {
	cfg RocketMQSettings

	once sync.Once
	p    rmq.Producer
	err  error
}

func NewRocketMQ(cfg RocketMQSettings) (*RocketMQProducer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RocketMQProducer{cfg: cfg}, nil
}

func (r *RocketMQProducer) init() {
	r.once.Do(func() {
		opts := []producer.Option{
			producer.WithNameServer([]string{r.cfg.NameServer}),
			producer.WithGroupName(r.cfg.Group),
			producer.WithRetry(2),
		}
		if r.cfg.AccessKey != "" || r.cfg.SecretKey != "" {
			opts = append(opts, producer.WithCredentials(primitive.Credentials{
				AccessKey: r.cfg.AccessKey,
				SecretKey: r.cfg.SecretKey,
			}))
		}
		prd, err := rmq.NewProducer(opts...)
		if err != nil {
			r.err = err
			return
		}
		if err := prd.Start(); err != nil {
			r.err = err
			return
		}
		r.p = prd
	})
}

func (r *RocketMQProducer) Publish(ctx context.Context, rec Record) error {
	r.init()
	if r.err != nil {
		return r.err
	}
	b, err := rec.Encode()
	if err != nil {
		return err
	}
	m := primitive.NewMessage(r.cfg.Topic, b)
	if r.cfg.Tag != "" {
		m.WithTag(r.cfg.Tag)
	}
	m.WithKeys([]string{rec.ActionID})
	_, err = r.p.SendSync(ctx, m)
	return err
}

func (r *RocketMQProducer) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}
