package ai

import (
	"context"
	"math/rand"
	"strings"
)

// WeatherInput 是天气工具的参数。
type WeatherInput struct {
	Location string `json:"location" jsonschema_description:"The location to get the weather for"`
}

// WeatherReport 是天气工具的返回值。
type WeatherReport struct {
	Location    string `json:"location"`
	Temperature int    `json:"temperature"`
}

// WeatherToolName is the name the model calls the weather tool by.
const WeatherToolName = "weather"

// RegisterWeather adds a demo weather tool reporting 72±10 degrees. intn
// defaults to math/rand and is injectable for tests.
func RegisterWeather(r *Registry, intn func(n int) int) error {
	if intn == nil {
		intn = rand.Intn
	}
	return Register[WeatherInput, WeatherReport](r, WeatherToolName, "Get the weather in a location",
		func(_ context.Context, push DataPusher, in WeatherInput) (WeatherReport, error) {
			if err := push.Data(map[string]bool{"isThinking": true}); err != nil {
				return WeatherReport{}, err
			}
			report := WeatherReport{
				Location:    strings.TrimSpace(in.Location),
				Temperature: 72 + intn(21) - 10,
			}
			if err := push.Data(map[string]bool{"isThinking": false}); err != nil {
				return WeatherReport{}, err
			}
			return report, nil
		})
}
