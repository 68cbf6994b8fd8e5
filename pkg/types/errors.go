package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData 统计窗口中没有该指标的数据
	ErrNoData = errors.New("no data for metric")
	// ErrZeroTimeDelta 两次采样的duration相同，无法求导
	ErrZeroTimeDelta = errors.New("zero time delta between samples")
	// ErrMalformedAlert 告警报文不符合sguil格式
	ErrMalformedAlert = errors.New("malformed ids alert")
	// ErrUnsupportedProtocol 仅支持TCP(6)和UDP(17)
	ErrUnsupportedProtocol = errors.New("unsupported ip protocol")
	ErrDatapathNotFound    = errors.New("datapath not found")
	ErrConnectionClosed    = errors.New("datapath connection closed")
	// ErrConfigMissing 环境变量中没有配置文件路径
	ErrConfigMissing = errors.New("config path not set")
)

// PipelineError 流表下发失败时返回的错误
type PipelineError struct {
	Stage string
	Dpid  uint64
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error at stage %s on dpid %s: %v", e.Stage, FormatDpid(e.Dpid), e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewPipelineError(stage string, dpid uint64, err error) error {
	return &PipelineError{Stage: stage, Dpid: dpid, Err: err}
}

// DerivativeError 求导失败，一般是时间差为0
type DerivativeError struct {
	Dpid   uint64
	PortNo uint32
	Metric string
	Err    error
}

func (e *DerivativeError) Error() string {
	return fmt.Sprintf("derivative of %s on %s:%d failed: %v", e.Metric, FormatDpid(e.Dpid), e.PortNo, e.Err)
}

func (e *DerivativeError) Unwrap() error {
	return e.Err
}
