package external

import (
	"context"
	"strings"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/errs"
)

// PassthroughUploader 进程内媒体适配器：本地引用即远端地址。
// 上传/压缩管线在对象存储服务中完成，这里只负责把已上传的引用交给消息写入。
type PassthroughUploader struct {
	// PublicHost 非空时，相对引用会拼接为完整 URL
	PublicHost string
}

func NewPassthroughUploader(publicHost string) ports.MediaUploader {
	return &PassthroughUploader{PublicHost: strings.TrimRight(publicHost, "/")}
}

func (u *PassthroughUploader) Upload(_ context.Context, convID, localRef string) (string, error) {
	if localRef == "" {
		return "", errs.Validation("media reference is empty")
	}
	if u.PublicHost == "" || strings.Contains(localRef, "://") {
		return localRef, nil
	}
	return u.PublicHost + "/" + convID + "/" + strings.TrimLeft(localRef, "/"), nil
}
