package model

import "errors"

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNoSuchLayer      = errors.New("no such layer")
	ErrNoSuchCube       = errors.New("no such cube")
	ErrNoSuchDataset    = errors.New("no such dataset")
	ErrUpstreamNotReady = errors.New("upstream dataset not ready")
	ErrStyleCompile     = errors.New("style compile error")
	ErrRenderEngine     = errors.New("render engine error")
	ErrStorage          = errors.New("storage error")
	ErrNotFound         = errors.New("not found")
)
