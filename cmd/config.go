// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix that is used for configuration
const EnvPrefix = "gateway"

var cfgFile string

func initConfig() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			fmt.Println("Error when reading config file:", err)
		} else if err == nil {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
		}
	}
}

var config = viper.GetViper()

// brokerRegexp matches user:pass@host:port
var brokerRegexp = regexp.MustCompile(`^(?:([0-9a-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9a-z.-]+:[0-9]+)$`)

type broker struct {
	Username string
	Password string
	Address  string
}

// parseBroker parses a broker setting. It returns nil if the broker is disabled.
func parseBroker(setting string) (*broker, error) {
	if setting == "" || setting == "disable" {
		return nil, nil
	}
	parts := brokerRegexp.FindStringSubmatch(setting)
	if parts == nil {
		return nil, fmt.Errorf("invalid broker %q, expected [user[:pass]@]host:port", setting)
	}
	return &broker{Username: parts[1], Password: parts[2], Address: parts[3]}, nil
}
