package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"rotaproxy/internal/shared/types"
)

// LoadIni 只加载 rotaproxy.ini 行为配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.ServerConf.Port, "ROTAPROXY_PORT")
	overrideFromEnvFloat(&cfg.RotationConf.RateLimit, "ROTAPROXY_RATE_LIMIT")
	return nil
}

// LoadBackends 加载 backends.json 数据文件。
func LoadBackends(fileName string) ([]*types.BackendProfile, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		// 如果文件不存在，返回一个空列表而不是错误
		if os.IsNotExist(err) {
			return []*types.BackendProfile{}, nil
		}
		return nil, fmt.Errorf("failed to read backends file: %w", err)
	}

	var profiles []*types.BackendProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backends.json: %w", err)
	}
	return profiles, nil
}

// SaveBackends 将后端配置列表保存到 backends.json。
func SaveBackends(fileName string, profiles []*types.BackendProfile) error {
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backend profiles: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvFloat(target *float64, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if floatValue, err := strconv.ParseFloat(envValue, 64); err == nil {
			*target = floatValue
		}
	}
}
