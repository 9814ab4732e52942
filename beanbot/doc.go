// Package beanbot implements a Discord bot that lets guild administrators
// publish named role menus, and lets members pick roles from those menus.
//
// Administrators manage menus with the /rolemenu command group:
//
//   - /rolemenu new: prompts for the roles a menu should offer, then saves it
//   - /rolemenu rename: renames an existing menu
//   - /rolemenu delete: removes a menu
//
// Members use /roles use to open a menu. The bot renders the menu as a
// select list pre-checked with the roles the member already holds, and
// grants or revokes roles to match whatever the member submits.
//
// Interactions are received over the Discord gateway or, optionally, over
// an HTTP webhook endpoint. Menus are stored with GORM (sqlite or
// postgres), with an optional Redis cache for name suggestions. A small
// gin-based API exposes runtime configuration and menu administration.
package beanbot
