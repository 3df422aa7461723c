package util

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy"
	"github.com/xiaoxuxiansheng/goindy/compression"
)

// 帮助信息的折行宽度
const Wrap = 50

// 按 Wrap 个字符折行
func WrapString(text string) string {
	var (
		lines []string
		line  strings.Builder
	)
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// 引擎相关的公共参数
func SetupEngineFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("dir", "./indy", WrapString("data directory holding the volume and the wal files"))
	cmd.PersistentFlags().Int("block-size", 4096, WrapString("volume block size in bytes, fixed once the volume exists"))
	cmd.PersistentFlags().Uint64("num-blocks", 64*1024, WrapString("number of blocks of a newly created volume"))
	cmd.PersistentFlags().Int("page-size", 4096, WrapString("logical page size of generations written by this process"))
	cmd.PersistentFlags().String("compression", "none", WrapString("page compression (none, snappy, zstd)"))
	cmd.PersistentFlags().Int("merge-threshold", -1, WrapString("merge a file once it has this many generations, negative disables background merges"))
	cmd.PersistentFlags().Bool("abort-on-append-log-scan-corruption", false, WrapString("fail to open when a catalog append log sector is corrupt instead of falling back to an older image"))
	cmd.PersistentFlags().Bool("verbose", false, WrapString("log engine events to stderr"))
}

// 从 .env 文件与 INDY_ 前缀的环境变量加载配置
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("indy")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

func newLogger() (*zap.Logger, error) {
	if !viper.GetBool("verbose") {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

func newConfig(logger *zap.Logger) (*goindy.Config, error) {
	codec, err := compression.ParseType(viper.GetString("compression"))
	if err != nil {
		return nil, err
	}
	return goindy.NewConfig(viper.GetString("dir"),
		goindy.WithLogger(logger),
		goindy.WithVolume(viper.GetInt("block-size"), viper.GetUint64("num-blocks")),
		goindy.WithPageSize(viper.GetInt("page-size")),
		goindy.WithCompression(codec),
		goindy.WithMergeThreshold(viper.GetInt("merge-threshold")),
		goindy.WithAbortOnAppendLogScanCorruption(viper.GetBool("abort-on-append-log-scan-corruption")),
	)
}

// 构造依赖容器：logger -> config -> engine
func NewContainer() (*dig.Container, error) {
	container := dig.New()
	for _, constructor := range []interface{}{
		newLogger,
		newConfig,
		goindy.Open,
	} {
		if err := container.Provide(constructor); err != nil {
			return nil, err
		}
	}
	return container, nil
}

// 打开引擎执行 fn，结束后关闭引擎
func WithEngine(fn func(e *goindy.Engine) error) error {
	container, err := NewContainer()
	if err != nil {
		return err
	}
	return container.Invoke(func(e *goindy.Engine) (err error) {
		defer func() {
			err = errors.CombineErrors(err, e.Close())
		}()
		return fn(e)
	})
}

func ParseFileID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "invalid file id %q", s)
	}
	return id, nil
}
