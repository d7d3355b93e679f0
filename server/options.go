package server

import (
	"time"

	"github.com/hatlonely/sqlgate/auth"
	"github.com/hatlonely/sqlgate/gateway"
	"github.com/hatlonely/sqlgate/kv/store"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/schema"
)

type HTTPOptions struct {
	Addr string `cfg:"addr" def:":8080"`
	// 服务挂载的路径前缀
	Prefix string `cfg:"prefix" def:"/api/v2"`
	// 每秒请求数，0 表示不限制
	RateLimit float64 `cfg:"rateLimit"`
	Burst     int     `cfg:"burst" def:"20" validate:"min=0"`

	ReadTimeout     time.Duration `cfg:"readTimeout" def:"30s"`
	WriteTimeout    time.Duration `cfg:"writeTimeout" def:"60s"`
	ShutdownTimeout time.Duration `cfg:"shutdownTimeout" def:"10s"`
	// 当前用户标识所在的请求头，服务端条件中的 {user_id} 取自这里
	// 网关不校验该值，只能部署在会覆盖该请求头的可信代理之后
	UserHeader string `cfg:"userHeader" def:"X-User-Id"`
	// 请求体大小上限，单位字节
	MaxBodySize int64 `cfg:"maxBodySize" def:"10485760" validate:"min=1"`
}

// Options 网关服务配置
// 鉴权只有静态规则，用户身份直接取自 HTTP.UserHeader 请求头，由前置的可信代理负责认证并写入，
// 客户端可以直连时任何人都能冒充其他用户
type Options struct {
	Database rdb.Options         `cfg:"database"`
	Gateway  gateway.Options     `cfg:"gateway"`
	Schema   schema.Options      `cfg:"schema"`
	Cache    store.Options       `cfg:"cache"`
	Auth     auth.Options        `cfg:"auth"`
	Log      logger.SLogOptions  `cfg:"log"`
	HTTP     HTTPOptions         `cfg:"http"`
}
