package conf

import "github.com/spf13/viper"

// setDefaultConfig sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "pipelinesim")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/pipeline.log")
	viper.SetDefault("main.log.rotation", string(RotationSize))
	viper.SetDefault("main.log.maxsize", 10*1024*1024)

	viper.SetDefault("pipeline.scheduleperiodms", 1)
	viper.SetDefault("pipeline.dpworkercount", 0)
	viper.SetDefault("pipeline.deepbufferbytes", 0)
	viper.SetDefault("pipeline.xrunrecoverylimit", 8)

	viper.SetDefault("pipeline.bufferpool.smallsize", 4*1024)
	viper.SetDefault("pipeline.bufferpool.mediumsize", 64*1024)
	viper.SetDefault("pipeline.bufferpool.largesize", 1024*1024)
	viper.SetDefault("pipeline.bufferpool.smallcount", 32)
	viper.SetDefault("pipeline.bufferpool.mediumcount", 16)
	viper.SetDefault("pipeline.bufferpool.largecount", 4)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.sentrydsn", "")

	viper.SetDefault("topology.path", "")
}
