package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// PackageFields 描述一次元数据请求涉及的包。
func PackageFields(action, requested, resolved string) logrus.Fields {
	fields := logrus.Fields{
		"action":    action,
		"requested": requested,
	}
	if resolved != "" {
		fields["package"] = resolved
	}
	return fields
}

// UploadFields 描述一次上传。
func UploadFields(pkg, version, filename, user string) logrus.Fields {
	return logrus.Fields{
		"action":   "upload",
		"package":  pkg,
		"version":  version,
		"filename": filename,
		"user":     user,
	}
}

// RequestFields 提供 HTTP 请求字段，供访问日志复用。
func RequestFields(method, path, requestID string, status int) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"path":       path,
		"request_id": requestID,
		"status":     status,
	}
}
