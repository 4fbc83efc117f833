package utils

import "os"

func IsProdEnv() bool {
	return os.Getenv("FEEDSYNC_ENV") == "prod"
}

func IsDevEnv() bool {
	env := os.Getenv("FEEDSYNC_ENV")
	return env == "dev" || env == ""
}
