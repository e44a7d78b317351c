package codec

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/internal/provider"
	"OpenLLM-Orchestra/pkg/logger"
)

// Pipeline 串起响应解码的完整链路：解析编解码器、提取候选值、
// 重整、校验、幂等落库、发布。
type Pipeline struct {
	registry *identity.Registry[Codec]
	markers  MarkerStore
	log      *slog.Logger
}

func NewPipeline(reg *identity.Registry[Codec], markers MarkerStore) *Pipeline {
	return &Pipeline{
		registry: reg,
		markers:  markers,
		log:      logger.Named("codec"),
	}
}

// Resolve 按 (namespace, kind) 解析编解码器，未命中时沿回退链
// 依次尝试命名空间默认与全局默认。
func (p *Pipeline) Resolve(namespace, kind string) (Codec, error) {
	key := Key(namespace, kind)
	if c, ok := p.registry.Resolve(key); ok {
		return c, nil
	}
	return nil, xerrors.New(CodeResolutionFailed,
		fmt.Sprintf("无法解析编解码器 %s", key.String()))
}

// Process 对一次归一化响应执行解码链路。
// 同一 (关联号, 编解码器) 组合只会落库并发布一次，重复投递是空操作。
func (p *Pipeline) Process(ctx context.Context, namespace, kind string, resp *provider.Response) error {
	c, err := p.Resolve(namespace, kind)
	if err != nil {
		return err
	}

	def := c.Schema()
	value, ok := Extract(resp, def)
	if !ok {
		// 没有候选值不是解码错误：纯文本回复直接跳过落库与发布。
		// 解码错误只保留给存在候选值但不满足 schema 的情形。
		p.log.Debug("no structured candidate in response",
			"correlation_id", resp.CorrelationID, "codec", c.Identity().String())
		return nil
	}

	value, err = c.Restructure(value)
	if err != nil {
		return xerrors.Wrap(CodeDecodeFailed, err,
			fmt.Sprintf("重整 %s 的候选值失败", c.Identity().String()))
	}
	if def != nil {
		if err := def.Validate(value); err != nil {
			return xerrors.Wrap(CodeDecodeFailed, err,
				fmt.Sprintf("候选值不满足 %s 的 schema", c.Identity().String()))
		}
	}

	marker := markerKey(resp.CorrelationID, c.Identity())
	seen, err := p.markers.Seen(ctx, marker)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询幂等标记失败")
	}
	if seen {
		p.log.Debug("duplicate delivery skipped",
			"correlation_id", resp.CorrelationID, "codec", c.Identity().String())
		return nil
	}

	if err := c.Persist(ctx, resp.CorrelationID, value); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err,
			fmt.Sprintf("%s 落库失败", c.Identity().String()))
	}
	if err := p.markers.Mark(ctx, marker); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入幂等标记失败")
	}
	// 发布固定在落库与写标记之后，重复投递在标记处被拦下。
	if err := c.Emit(ctx, resp.CorrelationID, value); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err,
			fmt.Sprintf("%s 发布失败", c.Identity().String()))
	}
	return nil
}

func markerKey(correlationID string, id identity.Identity) string {
	return correlationID + "|" + id.String()
}
