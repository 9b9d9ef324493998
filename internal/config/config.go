package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config collects the daemon settings. Every field can be overridden
// through a PPA6_-prefixed environment variable, so PPA6_LISTEN_ADDRESS
// sets ListenAddress and so on.
type Config struct {
	ListenAddress string

	// Bluetooth device to print to, matched against the advertised
	// name or the MAC address. Ignored when SerialDevice is set.
	BluetoothDevice string

	SerialDevice string
	SerialBaud   int

	DatabasePath string

	HeatLevel  int
	FeedLines  int
	ChunkRows  int
	AckTimeout time.Duration
	AckLess    bool
}

func Load() *Config {
	viper.SetEnvPrefix("ppa6")
	viper.AutomaticEnv()

	viper.SetDefault("LISTEN_ADDRESS", "localhost:8192")
	viper.SetDefault("BLUETOOTH_DEVICE", "PeriPage+")
	viper.SetDefault("SERIAL_DEVICE", "")
	viper.SetDefault("SERIAL_BAUD", 115200)
	viper.SetDefault("DATABASE_PATH", "ppa6.db")
	viper.SetDefault("HEAT_LEVEL", 0)
	viper.SetDefault("FEED_LINES", 32)
	viper.SetDefault("CHUNK_ROWS", 24)
	viper.SetDefault("ACK_TIMEOUT", "2s")
	viper.SetDefault("ACK_LESS", false)

	return &Config{
		ListenAddress:   viper.GetString("LISTEN_ADDRESS"),
		BluetoothDevice: viper.GetString("BLUETOOTH_DEVICE"),
		SerialDevice:    viper.GetString("SERIAL_DEVICE"),
		SerialBaud:      viper.GetInt("SERIAL_BAUD"),
		DatabasePath:    viper.GetString("DATABASE_PATH"),
		HeatLevel:       viper.GetInt("HEAT_LEVEL"),
		FeedLines:       viper.GetInt("FEED_LINES"),
		ChunkRows:       viper.GetInt("CHUNK_ROWS"),
		AckTimeout:      viper.GetDuration("ACK_TIMEOUT"),
		AckLess:         viper.GetBool("ACK_LESS"),
	}
}
