package prolific

import "owleval/internal/domain"

func intPtr(v int) *int { return &v }

// placeholderDemographics fills demographic summaries when the token cannot read profiles.
var placeholderDemographics = []domain.Demographics{
	{Age: intPtr(28), Sex: "Female", Nationality: "United Kingdom", Languages: []string{"English"}, EmploymentStatus: "Full-Time", StudentStatus: "No", CountryOfResidence: "United Kingdom"},
	{Age: intPtr(34), Sex: "Male", Nationality: "United States", Languages: []string{"English", "Spanish"}, EmploymentStatus: "Part-Time", StudentStatus: "No", CountryOfResidence: "United States"},
	{Age: intPtr(22), Sex: "Female", Nationality: "Canada", Languages: []string{"English", "French"}, EmploymentStatus: "Unemployed (and job seeking)", StudentStatus: "Yes", CountryOfResidence: "Canada"},
	{Age: intPtr(41), Sex: "Male", Nationality: "Germany", Languages: []string{"German", "English"}, EmploymentStatus: "Full-Time", StudentStatus: "No", CountryOfResidence: "Germany"},
	{Age: intPtr(30), Sex: "Female", Nationality: "Australia", Languages: []string{"English"}, EmploymentStatus: "Self-employed", StudentStatus: "No", CountryOfResidence: "Australia"},
}

// PlaceholderDemographics picks a placeholder record by submission position.
func PlaceholderDemographics(index int) domain.Demographics {
	if index < 0 {
		index = -index
	}
	d := placeholderDemographics[index%len(placeholderDemographics)]
	d.Languages = append([]string(nil), d.Languages...)
	return d
}
