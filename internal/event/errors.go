package event

import "errors"

// 错误分类。
// 适配器内部失败一律记录指标后丢弃，不向宿主业务传播；
// 唯一例外是 full 级别下数据库变更适配器的同步路径，
// 该路径上的 ErrPersistence / ErrEncryption 会中止触发它的业务变更。
var (
	// ErrConfiguration 配置生成阶段的字段元数据错误，同步返回给调用方
	ErrConfiguration = errors.New("audit: configuration error")

	// ErrCapture 适配器归一化源事件失败
	ErrCapture = errors.New("audit: capture error")

	// ErrPersistence 存储写入失败
	ErrPersistence = errors.New("audit: persistence error")

	// ErrEncryption 密钥不可用或加密调用失败
	ErrEncryption = errors.New("audit: encryption error")

	// ErrQuery 查询条件非法或越界
	ErrQuery = errors.New("audit: query error")
)
