package cluster

import "clusterx.com/pkg/xerr"

var (
	ErrInvalidSide      = xerr.NewErrCode(xerr.InvalidSide)
	ErrEmptyBucket      = xerr.NewErrCode(xerr.EmptyBucket)
	ErrAlreadyFinalized = xerr.NewErrCode(xerr.AlreadyFinalized)
	ErrSealed           = xerr.NewErrCode(xerr.Sealed)
)
