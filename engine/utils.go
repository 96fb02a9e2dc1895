package engine

import (
	"errors"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

func rateLimiter(rstr string) (*rate.Limiter, error) {
	var rateSize int
	rstr = strings.ToLower(strings.TrimSpace(rstr))
	switch rstr {
	case "low":
		// ~50k/s
		rateSize = 50000
	case "medium":
		// ~500k/s
		rateSize = 500000
	case "high":
		// ~1500k/s
		rateSize = 1500000
	case "unlimited", "0", "":
		// unlimited
		return rate.NewLimiter(rate.Inf, 0), nil
	default:
		var v datasize.ByteSize
		err := v.UnmarshalText([]byte(rstr))
		if err != nil {
			return nil, err
		}
		if v > 2147483647 {
			// max of int, unlimited
			return nil, errors.New("excceed int val")
		}

		rateSize = int(v)
	}
	return rate.NewLimiter(rate.Limit(rateSize), rateSize*3), nil
}

func progressLine(downloaded, total int64, peers int) string {
	if total > 0 {
		return humanize.Bytes(uint64(downloaded)) + " / " + humanize.Bytes(uint64(total)) +
			", " + humanize.Comma(int64(peers)) + " peers"
	}
	return humanize.Bytes(uint64(downloaded)) + ", " + humanize.Comma(int64(peers)) + " peers"
}
