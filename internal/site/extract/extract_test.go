package extract

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const resultsPage = `<html><body>
<ul class="results">
  <li class="job">
    <h2 class="title"><a href="/jobs/1">  Senior   Go Engineer </a></h2>
    <span class="company">Acme</span>
    <span class="loc">Remote</span>
    <span class="pay">$150k</span>
    <time>2 days ago</time>
    <p class="summary">Build
      services.</p>
  </li>
  <li class="job">
    <h2 class="title"><a href="https://other.example/jobs/2">Platform Engineer</a></h2>
    <a class="apply" href="apply?id=2">Apply</a>
  </li>
  <li class="job"><span class="company">No title corp</span></li>
</ul>
</body></html>`

func testSelectors() Selectors {
	return Selectors{
		Listing:     "li.job",
		Title:       ".title",
		Company:     ".company",
		Location:    ".loc",
		Salary:      ".pay",
		Posted:      "time",
		Description: ".summary",
	}
}

func TestItemsExtractsListings(t *testing.T) {
	t.Parallel()

	doc, err := Parse(strings.NewReader(resultsPage))
	require.NoError(t, err)
	base, err := url.Parse("https://jobs.example/search?q=go")
	require.NoError(t, err)

	items := Items(doc.Selection, base, "example", testSelectors())
	require.Len(t, items, 2)

	first := items[0]
	require.Equal(t, "example", first.Site)
	require.Equal(t, "Senior Go Engineer", first.Title)
	require.Equal(t, "Acme", first.Company)
	require.Equal(t, "Remote", first.Location)
	require.Equal(t, "https://jobs.example/jobs/1", first.URL)
	require.Equal(t, "$150k", first.Salary)
	require.Equal(t, "2 days ago", first.Posted)
	require.Equal(t, "Build services.", first.Description)

	require.Equal(t, "https://other.example/jobs/2", items[1].URL)
	require.Empty(t, items[1].Company)

	require.Len(t, first.ID, 16)
	require.NotEqual(t, first.ID, items[1].ID)
}

func TestItemsUsesExplicitLinkSelector(t *testing.T) {
	t.Parallel()

	doc, err := Parse(strings.NewReader(resultsPage))
	require.NoError(t, err)
	base, _ := url.Parse("https://jobs.example/search/")

	sel := testSelectors()
	sel.Link = "a.apply"
	items := Items(doc.Selection, base, "example", sel)

	require.Empty(t, items[0].URL)
	require.Equal(t, "https://jobs.example/search/apply?id=2", items[1].URL)
}

func TestItemsWithoutBase(t *testing.T) {
	t.Parallel()

	doc, err := Parse(strings.NewReader(resultsPage))
	require.NoError(t, err)

	items := Items(doc.Selection, nil, "example", testSelectors())
	require.Equal(t, "/jobs/1", items[0].URL)
}

func TestSelectorsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testSelectors().Validate())
	err := Selectors{}.Validate()
	require.ErrorContains(t, err, "listing selector is required")
	require.ErrorContains(t, err, "title selector is required")
}
