// Package guidance holds the static prevention advice shown after a screening.
package guidance

// Section is one titled block of advice.
type Section struct {
	Heading string   `json:"heading"`
	Items   []string `json:"items"`
}

// Plan is the guidance for one screening outcome.
type Plan struct {
	Title          string    `json:"title"`
	CariesDetected bool      `json:"caries_detected"`
	Sections       []Section `json:"sections"`
	Lifestyle      Section   `json:"lifestyle"`
	Disclaimer     string    `json:"disclaimer"`
}

const disclaimer = "This screening is not a substitute for professional dental care."

// For returns the plan for the given outcome. The plan is built fresh on each
// call so callers may modify it.
func For(cariesDetected bool) Plan {
	if cariesDetected {
		return Plan{
			Title:          "Caries Detected - Immediate Actions",
			CariesDetected: true,
			Sections:       urgentCare(),
			Lifestyle:      lifestyle(),
			Disclaimer:     disclaimer,
		}
	}
	return Plan{
		Title:          "No Caries - Maintenance Plan",
		CariesDetected: false,
		Sections:       maintenance(),
		Lifestyle:      lifestyle(),
		Disclaimer:     disclaimer,
	}
}

func urgentCare() []Section {
	return []Section{
		{
			Heading: "Schedule a Dental Appointment Immediately",
			Items: []string{
				"Consult a dentist within the next week",
				"Discuss treatment options for caries",
				"Potential treatments include dental fillings, root canal (if decay is advanced) or a dental crown",
			},
		},
		{
			Heading: "Oral Hygiene Intensive Care",
			Items: []string{
				"Brush teeth 2-3 times daily with fluoride toothpaste",
				"Use a soft-bristled toothbrush",
				"Floss daily to remove food particles",
				"Consider antiseptic mouthwash",
			},
		},
		{
			Heading: "Dietary Modifications",
			Items: []string{
				"Reduce sugar and acidic food intake",
				"Avoid frequent snacking",
				"Drink water after meals",
				"Increase calcium-rich foods",
			},
		},
		{
			Heading: "Professional Recommendations",
			Items: []string{
				"Get professional dental cleaning",
				"Apply fluoride treatments",
				"Consider dental sealants",
			},
		},
	}
}

func maintenance() []Section {
	return []Section{
		{
			Heading: "Consistent Oral Hygiene",
			Items: []string{
				"Brush teeth twice daily (morning and night)",
				"Use fluoride toothpaste",
				"Floss daily",
				"Replace toothbrush every 3-4 months",
			},
		},
		{
			Heading: "Balanced Nutrition",
			Items: []string{
				"Consume calcium-rich foods",
				"Limit sugary and acidic foods",
				"Stay hydrated",
				"Eat crunchy fruits and vegetables",
			},
		},
		{
			Heading: "Regular Dental Check-ups",
			Items: []string{
				"Biannual dental visits",
				"Professional cleaning",
				"Routine X-rays",
				"Early detection screenings",
			},
		},
		{
			Heading: "Additional Preventive Measures",
			Items: []string{
				"Use fluoride mouthwash",
				"Consider dental sealants",
				"Use interdental brushes",
				"Practice proper brushing technique",
			},
		},
	}
}

func lifestyle() Section {
	return Section{
		Heading: "Nutrition and Lifestyle for Dental Health",
		Items: []string{
			"Quit smoking and limit alcohol consumption",
			"Manage stress (can impact oral health)",
			"Stay hydrated",
			"Get adequate sleep",
			"Regular exercise promotes overall health",
		},
	}
}
