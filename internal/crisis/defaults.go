package crisis

// bundledDomains is the compiled-in floor of protected domains. It is always
// available offline and is unioned into every cache rebuild, so a corrupt or
// empty snapshot can never reduce protection below this set. The list mirrors
// widely published crisis, abuse, and mental-health support resources.
var bundledDomains = []string{
	// Suicide prevention and crisis lines
	"988lifeline.org",
	"suicidepreventionlifeline.org",
	"crisistextline.org",
	"thetrevorproject.org",
	"translifeline.org",
	"veteranscrisisline.net",
	"imalive.org",
	"afsp.org",
	"save.org",
	"sprc.org",
	"suicide.org",
	"jedfoundation.org",
	"ulifeline.org",

	// Domestic violence and abuse support
	"thehotline.org",
	"loveisrespect.org",
	"rainn.org",
	"childhelp.org",
	"stopitnow.org",
	"strongheartshelpline.org",

	// Mental health support
	"nami.org",
	"samhsa.gov",
	"mentalhealth.gov",
	"findtreatment.gov",
	"glbthotline.org",

	// International
	"samaritans.org",
	"befrienders.org",
	"thecalmzone.net",
	"giveusashout.org",
	"papyrus-uk.org",
	"mind.org.uk",
	"childline.org.uk",
	"nspcc.org.uk",
	"supportline.org.uk",
	"talksuicide.ca",
	"kidshelpphone.ca",
	"crisisservicescanada.ca",
	"lifeline.org.au",
	"beyondblue.org.au",
	"kidshelpline.com.au",
	"lifeline.org.nz",
	"youthline.co.nz",
}
