package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options 控制配置来源；零值表示只按约定找 config/{service}.yaml
type Options struct {
	// File 显式指定配置文件路径（对应命令行 --config），为空则按约定查找
	File string
	// Flags 已经 Parse 过的命令行参数，flag 名需要和配置 key 一致（例如 "output.dir"）
	Flags *pflag.FlagSet
	// FlagKeys 配置 key -> flag 名，flag 名和 key 对不上时用（例如 "output.dir" -> "out-dir"）
	FlagKeys map[string]string
	// Defaults 在文件/环境变量/flag 都没给值时生效
	Defaults map[string]any
	// Optional 为 true 时找不到配置文件不报错
	Optional bool
}

// Load 读取配置到 out。优先级：flag > env > 文件 > Defaults
//
// 环境变量覆盖，例如 service=cluster-builder 时：
//
//	CLUSTER_BUILDER_SYMBOL        覆盖 symbol
//	CLUSTER_BUILDER_OUTPUT_DIR    覆盖 output.dir
func Load(service string, out interface{}, opts Options) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range opts.Defaults {
		v.SetDefault(k, val)
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		// 约定：config/{service}.yaml
		v.SetConfigName(service)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		if err := v.BindPFlags(opts.Flags); err != nil {
			return nil, err
		}
		for key, name := range opts.FlagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil {
				return nil, fmt.Errorf("config: flag --%s not defined", name)
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// 显式指定的文件必须存在；按约定查找时 Optional 可以容忍缺失
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !opts.Optional || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return v, nil
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(service))
}
