package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "aryv-coord",
	Level: hclog.LevelFromString("INFO"),
})
