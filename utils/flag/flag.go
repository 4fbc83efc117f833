package flag

import "flag"

// Shared command line flags. Every binary in this repo parses the same
// minimal set so that logging can tag records with the running service.
var (
	ServiceName = flag.String("service", "feedsync", "name of the running service, used in log tagging")
)

func ParseFlags() {
	flag.Parse()
}
