package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/allabolag-cli/internal/model"
)

var (
	companiesStatus string
	companiesSearch string
	companiesPage   int
	companiesLimit  int
)

// companyPage is one page of the companies listing.
type companyPage struct {
	Companies []model.StagingCompany `json:"companies"`
	Total     int                    `json:"total"`
	Page      int                    `json:"page"`
	Limit     int                    `json:"limit"`
}

// pageCompanies applies the search filter and slices out one page.
// Search matches name or orgnr, case-insensitively.
func pageCompanies(rows []model.StagingCompany, search string, page, limit int) companyPage {
	if search != "" {
		needle := strings.ToLower(search)
		filtered := rows[:0:0]
		for _, r := range rows {
			if strings.Contains(strings.ToLower(r.CompanyName), needle) ||
				strings.Contains(r.Orgnr, search) {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	total := len(rows)
	from := (page - 1) * limit
	if from > total {
		from = total
	}
	to := from + limit
	if to > total {
		to = total
	}

	return companyPage{
		Companies: rows[from:to],
		Total:     total,
		Page:      page,
		Limit:     limit,
	}
}

var companiesCmd = &cobra.Command{
	Use:   "companies <job-id>",
	Short: "List a job's staged companies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		st, err := openJobStore(ctx, jobID)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := st.ListCompanies(ctx, jobID, model.CompanyStatus(companiesStatus))
		if err != nil {
			return err
		}
		return printJSON(pageCompanies(rows, companiesSearch, companiesPage, companiesLimit))
	},
}

func init() {
	companiesCmd.Flags().StringVar(&companiesStatus, "status", "", "filter by company status")
	companiesCmd.Flags().StringVar(&companiesSearch, "search", "", "substring match on name or orgnr")
	companiesCmd.Flags().IntVar(&companiesPage, "page", 1, "page number")
	companiesCmd.Flags().IntVar(&companiesLimit, "limit", 50, "rows per page")
	rootCmd.AddCommand(companiesCmd)
}
