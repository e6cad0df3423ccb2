package statemon

// gerundVocab is the set of progress words the agent UI cycles through on
// its spinner line. A spinner match only counts as busy when the word is
// recognized here, so random "✳ Whatever…" text in scrollback cannot flip
// the state.
var gerundVocab = map[string]struct{}{
	"Accomplishing": {},
	"Actioning":     {},
	"Actualizing":   {},
	"Analyzing":     {},
	"Baking":        {},
	"Booping":       {},
	"Brewing":       {},
	"Calculating":   {},
	"Cerebrating":   {},
	"Channelling":   {},
	"Churning":      {},
	"Clauding":      {},
	"Coalescing":    {},
	"Cogitating":    {},
	"Combobulating": {},
	"Computing":     {},
	"Concocting":    {},
	"Conjuring":     {},
	"Considering":   {},
	"Contemplating": {},
	"Cooking":       {},
	"Crafting":      {},
	"Creating":      {},
	"Crunching":     {},
	"Deciphering":   {},
	"Deliberating":  {},
	"Determining":   {},
	"Discombobulating": {},
	"Divining":      {},
	"Doing":         {},
	"Effecting":     {},
	"Elucidating":   {},
	"Enchanting":    {},
	"Envisioning":   {},
	"Finagling":     {},
	"Flibbertigibbeting": {},
	"Forging":       {},
	"Forming":       {},
	"Frolicking":    {},
	"Generating":    {},
	"Germinating":   {},
	"Hatching":      {},
	"Herding":       {},
	"Honking":       {},
	"Hustling":      {},
	"Ideating":      {},
	"Imagining":     {},
	"Incubating":    {},
	"Inferring":     {},
	"Jiving":        {},
	"Manifesting":   {},
	"Marinating":    {},
	"Meandering":    {},
	"Moseying":      {},
	"Mulling":       {},
	"Mustering":     {},
	"Musing":        {},
	"Noodling":      {},
	"Percolating":   {},
	"Perusing":      {},
	"Philosophising": {},
	"Pondering":     {},
	"Pontificating": {},
	"Processing":    {},
	"Puttering":     {},
	"Puzzling":      {},
	"Reticulating":  {},
	"Ruminating":    {},
	"Scheming":      {},
	"Schlepping":    {},
	"Shucking":      {},
	"Simmering":     {},
	"Smooshing":     {},
	"Spelunking":    {},
	"Spinning":      {},
	"Stewing":       {},
	"Sussing":       {},
	"Synthesizing":  {},
	"Thinking":      {},
	"Tinkering":     {},
	"Transmuting":   {},
	"Unfurling":     {},
	"Unravelling":   {},
	"Vibing":        {},
	"Wandering":     {},
	"Whirring":      {},
	"Wibbling":      {},
	"Wizarding":     {},
	"Wondering":     {},
	"Working":       {},
	"Wrangling":     {},
}
