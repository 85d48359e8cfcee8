// Package api 管理平台接口路由
package api

import "strings"

// 平台第三方接入接口前缀
const basePath = "/httpsaudit/zf/api/third"

// 路由常量
const (
	RouteVisitToken    = basePath + "/getVisitToken"
	RouteRegister      = basePath + "/register"
	RouteLogin         = basePath + "/login"
	RouteLogout        = basePath + "/logout"
	RouteHeartbeat     = basePath + "/heartbeat"
	RoutePolicy        = basePath + "/getAuditPolicy"
	RoutePops          = basePath + "/getPops"
	RouteCheckUpdate   = basePath + "/checkUpdate"
	RouteCertInfo      = basePath + "/getCertInfo"
	RouteServerTime    = basePath + "/getServerTime"
	RouteUploadFile    = basePath + "/uploadFile"
	RouteLogTraffic    = basePath + "/uploadTrafficLog"
	RouteLogBehavior   = basePath + "/uploadBehaviorLog"
	RouteLogScreenshot = basePath + "/uploadScreenshotLog"
	RouteLogClipboard  = basePath + "/uploadClipboardLog"
)

// BuildURL 拼接平台完整地址
// base 末尾多余的 "/" 会被清理
func BuildURL(base, route string) string {
	return strings.TrimRight(base, "/") + route
}
