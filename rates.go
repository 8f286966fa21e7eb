package main

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"

	"receiptflow/pkg/pipeline"
)

var errNoRate = errors.New("no conversion rate configured")

// envRateSource serves fixed conversion rates from the EXCHANGE_RATES env
// var, e.g. "USD=0.79,EUR=0.85", each the multiplier into the base currency.
type envRateSource struct {
	rates map[string]float64
}

func (s envRateSource) Rate(ctx context.Context, currency string) (float64, error) {
	if r, ok := s.rates[strings.ToUpper(currency)]; ok {
		return r, nil
	}
	return 0, errNoRate
}

func newRateSource() pipeline.RateSource {
	raw := os.Getenv("EXCHANGE_RATES")
	if raw == "" {
		return nil
	}
	src := envRateSource{rates: map[string]float64{}}
	for _, pair := range strings.Split(raw, ",") {
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(pair[:eq]))
		rate, err := strconv.ParseFloat(strings.TrimSpace(pair[eq+1:]), 64)
		if err != nil || rate <= 0 {
			log.Printf("ignoring malformed exchange rate entry %q", pair)
			continue
		}
		src.rates[code] = rate
	}
	if len(src.rates) == 0 {
		return nil
	}
	return src
}
