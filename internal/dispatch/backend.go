package dispatch

import (
	"fmt"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
)

// BackendKind 是队列后端在身份注册表中的 kind 段。
const BackendKind = "backend"

// backendAliases 把常见别名折叠到规范后端名。
var backendAliases = map[string]string{
	"mem":    "memory",
	"inline": "memory",
	"amqp":   "rabbitmq",
	"mq":     "rabbitmq",
}

// NewBackendRegistry 创建队列后端注册表。
func NewBackendRegistry(policy identity.Policy) *identity.Registry[Queue] {
	return identity.NewRegistry[Queue]("backend", policy)
}

// BackendKey 构造队列后端的注册身份。
func BackendKey(name string) identity.Identity {
	return identity.Identity{Namespace: "dispatch", Kind: BackendKind, Name: name}
}

// RegisterBackend 登记一个具名队列后端。
func RegisterBackend(reg *identity.Registry[Queue], name string, queue Queue) error {
	return reg.Register(BackendKey(name), queue)
}

// ResolveBackend 解析队列后端：别名先折叠，空名走注册表的默认回退链。
func ResolveBackend(reg *identity.Registry[Queue], name string) (Queue, error) {
	if canonical, ok := backendAliases[name]; ok {
		name = canonical
	}
	if name == "" {
		name = identity.DefaultName
	}
	if queue, ok := reg.Resolve(BackendKey(name)); ok {
		return queue, nil
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("未注册的队列后端 %q", name))
}
