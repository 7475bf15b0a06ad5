// Package autoload initializes the global logger from the environment as a
// blank import side effect.
package autoload

import (
	configx "github.com/tanpawarit/salesline/pkg/config"
	logx "github.com/tanpawarit/salesline/pkg/logger"
)

func init() {
	logx.Init(*configx.MustNew[logx.Config]("LOG"))
}
