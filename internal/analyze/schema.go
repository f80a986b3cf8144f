package analyze

import "google.golang.org/genai"

var riskEnum = []string{string(RiskLow), string(RiskMedium), string(RiskHigh)}

func diagnosisSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"issue":       {Type: genai.TypeString, Description: "Most likely mechanical fault."},
			"confidence":  {Type: genai.TypeNumber, Description: "Confidence in percent, 0-100."},
			"fraudRisk":   {Type: genai.TypeString, Enum: riskEnum, Description: "Risk that the repair quote is inflated."},
			"explanation": {Type: genai.TypeString, Description: "Short reasoning for the driver."},
		},
		Required: []string{"issue", "confidence", "fraudRisk", "explanation"},
	}
}

func vettingSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"lemonScore": {Type: genai.TypeNumber, Description: "0-100, higher means more likely a lemon."},
			"flags": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"timestamp": {Type: genai.TypeString, Description: "Where in the listing the issue appears."},
						"issue":     {Type: genai.TypeString},
						"severity":  {Type: genai.TypeString, Enum: riskEnum},
					},
					Required: []string{"issue", "severity"},
				},
			},
			"summary": {Type: genai.TypeString},
		},
		Required: []string{"lemonScore", "flags", "summary"},
	}
}
